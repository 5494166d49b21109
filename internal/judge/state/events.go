package state

import (
	"context"
	"encoding/json"
	"time"

	"arbiter/internal/common/mq"
	"arbiter/internal/judge/verdict"
	appErr "arbiter/pkg/errors"
)

// VerdictEvent is the final-status notification emitted when a submission
// reaches a terminal state. Consumers (gateway, leaderboard) key on the
// submission id for ordering.
type VerdictEvent struct {
	SubmissionID string          `json:"submission_id"`
	Verdict      verdict.Verdict `json:"verdict"`
	Score        int             `json:"score"`
	PassedCases  int             `json:"passed_cases"`
	TotalCases   int             `json:"total_cases"`
	MaxTimeMs    int64           `json:"max_time_ms"`
	MaxMemoryKB  int64           `json:"max_memory_kb"`
	JudgedAt     int64           `json:"judged_at"`
}

// VerdictPublisher announces terminal verdicts.
type VerdictPublisher interface {
	PublishVerdict(ctx context.Context, event VerdictEvent) error
}

// MQVerdictPublisher publishes verdict events to a broker topic.
type MQVerdictPublisher struct {
	publisher mq.EventPublisher
	topic     string
}

// NewMQVerdictPublisher creates a publisher.
func NewMQVerdictPublisher(publisher mq.EventPublisher, topic string) *MQVerdictPublisher {
	return &MQVerdictPublisher{publisher: publisher, topic: topic}
}

// PublishVerdict publishes one final-status event.
func (p *MQVerdictPublisher) PublishVerdict(ctx context.Context, event VerdictEvent) error {
	if p == nil || p.publisher == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("verdict publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("verdict topic is required")
	}
	if event.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if event.JudgedAt == 0 {
		event.JudgedAt = time.Now().Unix()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return appErr.Wrapf(err, appErr.PublishFailed, "encode verdict event failed")
	}
	if err := p.publisher.PublishEvent(ctx, p.topic, event.SubmissionID, payload); err != nil {
		return appErr.Wrapf(err, appErr.PublishFailed, "publish verdict event failed")
	}
	return nil
}
