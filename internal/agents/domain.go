package agents

import (
	"slices"
	"strings"
	"unicode"
)

// attrSpec describes one target attribute a data domain contributes.
type attrSpec struct {
	name   string
	typ    string
	column string
	pii    bool

	// restricted attributes must never be stored in a data product.
	restricted bool

	// keywords, when set, gate the attribute on top of its domain.
	keywords []string
}

// domain is a customer data domain, the entity it populates and its system of record.
type domain struct {
	name     string
	entity   string
	keywords []string

	// system and table are empty for domains with no known source.
	system string
	table  string

	attributes []attrSpec
}

// customerDomain is always part of a Customer-360 schema.
var customerDomain = domain{
	name:   "customer",
	entity: "Customer",
	system: systemCoreBanking,
	table:  "CUSTOMER_MASTER",
	attributes: []attrSpec{
		{name: "customerId", typ: "STRING", column: "CUST_ID"},
		{name: "customerSegment", typ: "STRING", column: "CUST_SEGMENT"},
		{name: "onboardingDate", typ: "DATE", column: "OPEN_DT"},
	},
}

var domains = []domain{
	{
		name:     "demographics",
		entity:   "DemographicProfile",
		keywords: []string{"demographic", "profile", "name", "contact detail", "address", "email", "phone"},
		system:   systemCoreBanking,
		table:    "CUSTOMER_MASTER",
		attributes: []attrSpec{
			{name: "fullName", typ: "STRING", column: "CUST_NAME", pii: true},
			{name: "dateOfBirth", typ: "DATE", column: "BIRTH_DT", pii: true},
			{name: "email", typ: "STRING", column: "EMAIL_ADDR", pii: true},
			{name: "phoneNumber", typ: "STRING", column: "PHONE_NO", pii: true},
			{name: "postalAddress", typ: "STRUCT<line1:STRING, city:STRING, postcode:STRING>", column: "ADDR", pii: true},
		},
	},
	{
		name:     "accounts",
		entity:   "AccountSummary",
		keywords: []string{"account", "balance", "deposit", "product", "holding"},
		system:   systemCoreBanking,
		table:    "ACCOUNT_MASTER",
		attributes: []attrSpec{
			{name: "accountCount", typ: "INT", column: "ACCT_CNT"},
			{name: "totalBalance", typ: "DECIMAL(18,2)", column: "BAL_AMT"},
			{name: "productHoldings", typ: "ARRAY<STRING>", column: "PRODUCT_CODES"},
		},
	},
	{
		name:     "transactions",
		entity:   "TransactionBehavior",
		keywords: []string{"transaction", "spend", "payment", "purchase"},
		system:   systemCoreBanking,
		table:    "TRANSACTION_HISTORY",
		attributes: []attrSpec{
			{name: "monthlySpend", typ: "DECIMAL(18,2)", column: "MTH_SPEND_AMT"},
			{name: "transactionCount90d", typ: "INT", column: "TXN_CNT_90D"},
			{name: "topMerchantCategory", typ: "STRING", column: "TOP_MCC"},
		},
	},
	{
		name:     "risk",
		entity:   "RiskProfile",
		keywords: []string{"credit", "risk", "loan", "default", "delinquen"},
		system:   systemCreditRisk,
		table:    "CREDIT_SCORES",
		attributes: []attrSpec{
			{name: "creditScore", typ: "INT", column: "SCORE"},
			{name: "riskCategory", typ: "STRING", column: "RISK_BAND"},
			{name: "delinquencyFlag", typ: "BOOLEAN", column: "DELINQ_IND"},
		},
	},
	{
		name:     "digital",
		entity:   "DigitalEngagement",
		keywords: []string{"digital", "mobile", "online", "login", "channel"},
		system:   systemDigital,
		table:    "LOGIN_HISTORY",
		attributes: []attrSpec{
			{name: "lastLoginAt", typ: "TIMESTAMP", column: "LAST_LOGIN_TS"},
			{name: "mobileSessions30d", typ: "INT", column: "MOB_SESS_30D"},
			{name: "preferredChannel", typ: "STRING", column: "PREF_CHANNEL"},
		},
	},
	{
		name:     "cards",
		entity:   "CardProfile",
		keywords: []string{"card"},
		system:   systemCards,
		table:    "CARD_MASTER",
		attributes: []attrSpec{
			{name: "cardNumber", typ: "STRING", column: "CARD_NO", pii: true},
			{name: "cardTier", typ: "STRING", column: "CARD_TIER"},
			{name: "rewardPoints", typ: "INT", column: "REWARD_PTS"},
			{name: "cardPin", typ: "STRING", column: "CARD_PIN", restricted: true,
				keywords: []string{"card pin", "pin number", "pin code"}},
		},
	},
	{
		name:     "interactions",
		entity:   "ServiceInteractions",
		keywords: []string{"interaction", "service request", "complaint", "crm", "satisfaction", "contact center"},
		system:   systemCRM,
		table:    "CUSTOMER_INTERACTIONS",
		attributes: []attrSpec{
			{name: "lastContactDate", typ: "DATE", column: "LAST_CONTACT_DT"},
			{name: "openServiceRequests", typ: "INT", column: "OPEN_SR_CNT"},
			{name: "satisfactionScore", typ: "FLOAT", column: "CSAT"},
		},
	},
	{
		name:     "fraud",
		entity:   "FraudIndicators",
		keywords: []string{"fraud", "suspicious"},
		system:   systemFraud,
		table:    "FRAUD_ALERTS",
		attributes: []attrSpec{
			{name: "fraudAlerts90d", typ: "INT", column: "ALERT_CNT_90D"},
			{name: "suspiciousActivityFlag", typ: "BOOLEAN", column: "SAR_IND"},
		},
	},
	{
		name:     "kyc",
		entity:   "ComplianceProfile",
		keywords: []string{"kyc", "aml", "anti money", "identity", "watchlist"},
		system:   systemKYC,
		table:    "IDENTITY_VERIFICATION",
		attributes: []attrSpec{
			{name: "kycStatus", typ: "STRING", column: "KYC_STATUS"},
			{name: "watchlistHit", typ: "BOOLEAN", column: "WATCHLIST_IND"},
			{name: "nationalId", typ: "STRING", column: "NATIONAL_ID", pii: true},
		},
	},
	{
		name:     "social",
		entity:   "SocialProfile",
		keywords: []string{"social", "sentiment"},
		attributes: []attrSpec{
			{name: "socialHandle", typ: "STRING", column: "SOCIAL_HANDLE", pii: true},
			{name: "sentimentScore", typ: "FLOAT", column: "SENTIMENT"},
		},
	},
}

// findDomain returns the domain populating entity.
func findDomain(entity string) (domain, bool) {
	if entity == customerDomain.entity {
		return customerDomain, true
	}
	for _, d := range domains {
		if d.entity == entity {
			return d, true
		}
	}
	return domain{}, false
}

// findAttr returns the spec of entity.name.
func findAttr(entity, name string) (domain, attrSpec, bool) {
	d, ok := findDomain(entity)
	if !ok {
		return domain{}, attrSpec{}, false
	}
	for _, a := range d.attributes {
		if a.name == name {
			return d, a, true
		}
	}
	return d, attrSpec{}, false
}

const (
	systemCoreBanking = "Core Banking System"
	systemCRM         = "CRM System"
	systemDigital     = "Digital Banking"
	systemCreditRisk  = "Credit Risk System"
	systemFraud       = "Fraud Detection System"
	systemKYC         = "KYC/AML System"
	systemCards       = "Card Management System"
	systemMarketing   = "Marketing Automation"
)

// knownSystems is the catalogue of banking systems of record.
var knownSystems = map[string]SourceSystem{
	systemCoreBanking: {
		Name:            systemCoreBanking,
		Description:     "Primary system of record for customer accounts and transactions",
		Tables:          []string{"CUSTOMER_MASTER", "ACCOUNT_MASTER", "TRANSACTION_HISTORY", "PRODUCT_CATALOG"},
		UpdateFrequency: "Real-time or daily batch",
		DataQuality:     "High",
	},
	systemCRM: {
		Name:            systemCRM,
		Description:     "Customer relationship management system for sales and service",
		Tables:          []string{"CUSTOMER_INTERACTIONS", "SERVICE_REQUESTS", "OPPORTUNITIES", "CAMPAIGNS"},
		UpdateFrequency: "Real-time",
		DataQuality:     "Medium",
	},
	systemDigital: {
		Name:            systemDigital,
		Description:     "Online and mobile banking platforms",
		Tables:          []string{"LOGIN_HISTORY", "FEATURE_USAGE", "APP_INTERACTIONS", "DEVICE_INFO"},
		UpdateFrequency: "Real-time",
		DataQuality:     "Medium",
	},
	systemCreditRisk: {
		Name:            systemCreditRisk,
		Description:     "Credit scoring and risk assessment platform",
		Tables:          []string{"CREDIT_SCORES", "RISK_ASSESSMENTS", "DEFAULT_HISTORY", "LIMIT_MANAGEMENT"},
		UpdateFrequency: "Daily or weekly",
		DataQuality:     "High",
	},
	systemFraud: {
		Name:            systemFraud,
		Description:     "Transaction monitoring and fraud analysis",
		Tables:          []string{"FRAUD_ALERTS", "SUSPICIOUS_ACTIVITY", "BEHAVIORAL_PATTERNS"},
		UpdateFrequency: "Real-time",
		DataQuality:     "High",
	},
	systemKYC: {
		Name:            systemKYC,
		Description:     "Know Your Customer and Anti-Money Laundering",
		Tables:          []string{"IDENTITY_VERIFICATION", "WATCHLIST_SCREENING", "RISK_CLASSIFICATION"},
		UpdateFrequency: "Daily or weekly",
		DataQuality:     "High",
	},
	systemCards: {
		Name:            systemCards,
		Description:     "Credit and debit card issuance and processing",
		Tables:          []string{"CARD_MASTER", "CARD_TRANSACTIONS", "REWARDS"},
		UpdateFrequency: "Real-time or daily",
		DataQuality:     "High",
	},
	systemMarketing: {
		Name:            systemMarketing,
		Description:     "Campaign management and customer communications",
		Tables:          []string{"CAMPAIGN_HISTORY", "CUSTOMER_SEGMENTS", "COMMUNICATION_PREFERENCES"},
		UpdateFrequency: "Daily",
		DataQuality:     "Medium",
	},
}

// segmentKeywords maps segment names to the phrases that mention them.
var segmentKeywords = []struct {
	name     string
	keywords []string
}{
	{"Premium", []string{"premium"}},
	{"High Net Worth", []string{"high net worth", "hnw"}},
	{"Mass Affluent", []string{"mass affluent"}},
	{"Affluent", []string{"affluent"}},
	{"Youth", []string{"youth", "student"}},
	{"Elite", []string{"elite"}},
	{"Business", []string{"business", "sme"}},
}

// regulationKeywords maps regulation names to the phrases that mention them.
var regulationKeywords = []struct {
	name     string
	keywords []string
}{
	{"GDPR", []string{"gdpr", "general data protection"}},
	{"CCPA", []string{"ccpa", "california consumer"}},
	{"GLBA", []string{"glba", "gramm leach"}},
	{"PCI DSS", []string{"pci"}},
}

// privacyRegulations require every PII attribute to be protected.
var privacyRegulations = []string{"GDPR", "CCPA"}

// kpiKeywords maps KPI families to their metrics and trigger phrases.
var kpiKeywords = []struct {
	keywords []string
	metrics  []string
}{
	{[]string{"acquisition", "onboard"}, []string{"new_customer_count", "acquisition_cost", "conversion_rate"}},
	{[]string{"retention", "attrition", "churn"}, []string{"attrition_rate", "retention_rate", "relationship_tenure"}},
	{[]string{"cross sell", "upsell", "penetration"}, []string{"products_per_customer", "cross_sell_ratio", "product_penetration"}},
	{[]string{"profitab", "lifetime value", "revenue"}, []string{"customer_profitability", "lifetime_value", "revenue_per_customer"}},
	{[]string{"default", "delinquen"}, []string{"default_rate", "delinquency_rate", "risk_adjusted_return"}},
	{[]string{"digital", "mobile"}, []string{"digital_adoption_rate", "mobile_usage_frequency", "online_transaction_ratio"}},
}

var piiTerms = []string{
	"name", "address", "email", "phone", "ssn", "tax", "dob", "birth",
	"gender", "national", "passport", "license", "cardnumber", "card_number",
}

var protectionTerms = []string{"mask", "encrypt", "hash", "redact", "tokenize"}

// isPII reports whether an attribute name looks like personal data.
func isPII(name string) bool {
	lower := strings.ToLower(name)
	return slices.ContainsFunc(piiTerms, func(t string) bool { return strings.Contains(lower, t) })
}

// isProtected reports whether a transformation masks or encrypts its value.
func isProtected(transformation string) bool {
	lower := strings.ToLower(transformation)
	return slices.ContainsFunc(protectionTerms, func(t string) bool { return strings.Contains(lower, t) })
}

// text is requirements text normalized for phrase matching.
type text string

func normalize(s string) text {
	var b strings.Builder
	b.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return text(b.String())
}

// mentions reports whether any phrase starts a word sequence in t.
func (t text) mentions(phrases ...string) bool {
	for _, p := range phrases {
		if strings.Contains(string(t), " "+strings.TrimSpace(string(normalize(p)))) {
			return true
		}
	}
	return false
}
