package claude

import (
	"fmt"
	"strings"

	"certflow/internal/capability"
)

// Verdict is the certification outcome stated by a gate response.
type Verdict string

const (
	VerdictApproved  Verdict = "Approved"
	VerdictRejected  Verdict = "Rejected"
	VerdictViolation Verdict = "Violation"
)

// verdictKeywords are scanned in order; earlier entries win when a response
// mentions several.
var verdictKeywords = []struct {
	keyword string
	verdict Verdict
}{
	{"violation", VerdictViolation},
	{"rejected", VerdictRejected},
	{"conditionally approved", VerdictApproved},
	{"approved", VerdictApproved},
}

// ParseVerdict returns the verdict of a gate response. The status field of the
// JSON object wins; otherwise the text is scanned for verdict keywords.
func ParseVerdict(response string, obj map[string]any) (Verdict, error) {
	for _, key := range []string{"status", "complianceStatus", "compliance_status", "verdict"} {
		if s, ok := obj[key].(string); ok {
			if v, ok := matchVerdict(s); ok {
				return v, nil
			}
		}
	}
	if v, ok := matchVerdict(response); ok {
		return v, nil
	}
	return "", fmt.Errorf("response did not contain a recognizable verdict")
}

func matchVerdict(s string) (Verdict, bool) {
	lower := strings.ToLower(s)
	for _, k := range verdictKeywords {
		if strings.Contains(lower, k.keyword) {
			return k.verdict, true
		}
	}
	return "", false
}

// Findings reads the findings array of a gate response.
func Findings(obj map[string]any) []capability.Finding {
	list, _ := obj["findings"].([]any)
	var out []capability.Finding
	for _, item := range list {
		switch f := item.(type) {
		case string:
			out = append(out, capability.Finding{Message: f})
		case map[string]any:
			finding := capability.Finding{}
			finding.Stage, _ = f["stage"].(string)
			finding.Code, _ = f["code"].(string)
			finding.Message, _ = f["message"].(string)
			if finding.Message != "" || finding.Stage != "" {
				out = append(out, finding)
			}
		}
	}
	return out
}

// verdictError maps a gate response onto the capability error taxonomy: nil when
// approved, a validation error carrying the findings when rejected, a fatal
// error for a violation.
func verdictError(response string, obj map[string]any) error {
	v, err := ParseVerdict(response, obj)
	if err != nil {
		return capability.Transientf("certification response: %w", err)
	}
	switch v {
	case VerdictRejected:
		findings := Findings(obj)
		if len(findings) == 0 {
			findings = []capability.Finding{{Message: "rejected without findings"}}
		}
		return capability.Validation(findings...)
	case VerdictViolation:
		reason, _ := obj["reason"].(string)
		if reason == "" {
			reason = "certification violation reported"
		}
		return capability.Fatalf("%s", reason)
	default:
		return nil
	}
}
