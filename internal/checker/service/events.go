package service

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"inloop/internal/common/mq"
	"inloop/internal/common/signals"
	"inloop/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	// DefaultCheckedTopic receives one message per committed check result.
	DefaultCheckedTopic   = "inloop.submission.checked"
	defaultPublishTimeout = 10 * time.Second
)

// CheckedEvent is the message body published for a checked submission.
type CheckedEvent struct {
	SubmissionID int64     `json:"submission_id"`
	UserID       int64     `json:"user_id"`
	Task         string    `json:"task"`
	ReturnCode   int       `json:"return_code"`
	Status       string    `json:"status"`
	Passed       bool      `json:"passed"`
	CheckedAt    time.Time `json:"checked_at"`
}

// EventPublisher forwards SubmissionChecked to a message queue for
// downstream consumers such as the plagiarism detector.
type EventPublisher struct {
	publisher mq.Publisher
	topic     string
	timeout   time.Duration
	wg        sync.WaitGroup
}

func NewEventPublisher(publisher mq.Publisher, topic string) *EventPublisher {
	if publisher == nil {
		publisher = mq.NopPublisher{}
	}
	if topic == "" {
		topic = DefaultCheckedTopic
	}
	return &EventPublisher{publisher: publisher, topic: topic, timeout: defaultPublishTimeout}
}

// HandleSubmissionChecked publishes in the background.
func (p *EventPublisher) HandleSubmissionChecked(ctx context.Context, ev signals.SubmissionChecked) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		if err := p.Publish(ctx, ev); err != nil {
			logger.Warn(ctx, "publish check event failed", zap.Int64("submission_id", ev.SubmissionID), zap.Error(err))
		}
	}()
}

// Publish sends ev keyed by submission id.
func (p *EventPublisher) Publish(ctx context.Context, ev signals.SubmissionChecked) error {
	body, err := json.Marshal(CheckedEvent{
		SubmissionID: ev.SubmissionID,
		UserID:       ev.UserID,
		Task:         ev.TaskSystemName,
		ReturnCode:   ev.ReturnCode,
		Status:       ev.Status,
		Passed:       ev.Passed,
		CheckedAt:    ev.CheckedAt,
	})
	if err != nil {
		return err
	}
	msg := mq.NewMessage(body)
	msg.ID = strconv.FormatInt(ev.SubmissionID, 10)
	msg.SetHeader("event", "submission_checked")
	return p.publisher.Publish(ctx, p.topic, msg)
}

// Wait blocks until pending publishes finish.
func (p *EventPublisher) Wait() {
	p.wg.Wait()
}
