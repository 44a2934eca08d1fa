// Package notify publishes run-completion events on NATS.
//
// Every run that reaches a terminal status produces one JSON [Completion]
// message on the configured subject (default [DefaultSubject]). Publishing is
// best effort: failures are logged and never affect the run.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"certflow/internal/scheduler"
	"certflow/internal/state"
)

// DefaultSubject is the subject completion events are published on.
const DefaultSubject = "certflow.runs.completed"

// Publisher is the slice of *nats.Conn the notifier uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// StageSummary is the final state of one stage.
type StageSummary struct {
	Name     string                `json:"name"`
	Status   scheduler.StageStatus `json:"status"`
	Cycle    int                   `json:"cycle"`
	Attempts int                   `json:"attempts"`
	Reworks  int                   `json:"reworks"`
}

// Completion is the payload published for a finished run.
type Completion struct {
	RunID       string          `json:"run_id"`
	Status      state.RunStatus `json:"status"`
	Cycle       int             `json:"cycle"`
	CompletedAt time.Time       `json:"completed_at"`
	DurationMS  int64           `json:"duration_ms"`
	Failure     *state.Failure  `json:"failure,omitempty"`
	Stages      []StageSummary  `json:"stages"`
}

// NewCompletion summarizes a terminal run view.
func NewCompletion(v *scheduler.View) Completion {
	c := Completion{
		RunID:       v.RunID,
		Status:      v.Status,
		Cycle:       v.Cycle,
		CompletedAt: v.CompletedAt,
		DurationMS:  v.Duration().Milliseconds(),
		Failure:     v.Failure,
		Stages:      make([]StageSummary, 0, len(v.Stages)),
	}
	for _, sv := range v.Stages {
		c.Stages = append(c.Stages, StageSummary{
			Name:     sv.Name,
			Status:   sv.Status,
			Cycle:    sv.Cycle,
			Attempts: sv.TotalAttempts,
			Reworks:  sv.Reworks,
		})
	}
	return c
}

// Notifier publishes completion events.
type Notifier struct {
	pub     Publisher
	subject string
	log     *slog.Logger
}

// New returns a notifier publishing on subject ("" selects [DefaultSubject]).
func New(pub Publisher, subject string, log *slog.Logger) *Notifier {
	if subject == "" {
		subject = DefaultSubject
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{pub: pub, subject: subject, log: log}
}

// Subject returns the subject events are published on.
func (n *Notifier) Subject() string {
	return n.subject
}

// Publish sends the completion event for v.
func (n *Notifier) Publish(v *scheduler.View) error {
	data, err := json.Marshal(NewCompletion(v))
	if err != nil {
		return fmt.Errorf("failed to encode completion of %s: %w", v.RunID, err)
	}
	if err := n.pub.Publish(n.subject, data); err != nil {
		return fmt.Errorf("failed to publish completion of %s to %s: %w", v.RunID, n.subject, err)
	}
	return nil
}

// Callback adapts the notifier to [scheduler.WithCompletionCallback].
func (n *Notifier) Callback() scheduler.CompletionCallback {
	return func(v *scheduler.View) {
		if err := n.Publish(v); err != nil {
			n.log.Warn("completion event not published", "run", v.RunID, "error", err)
			return
		}
		n.log.Debug("completion event published", "run", v.RunID, "subject", n.subject)
	}
}

// Connect dials the NATS server at url.
func Connect(url string, log *slog.Logger) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(
		url,
		nats.Name("certflow"),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}
