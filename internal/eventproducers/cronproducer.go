package eventproducers

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/fred-drake/carapace/pkg/protocol"
)

// Schedule is one configured cron trigger (SPEC_FULL.md §C item 1).
type Schedule struct {
	Group      string // envelope group
	Task       string // task name published in payload.task
	Expression string // standard 5-field cron expression
}

// CronProducer evaluates a fixed set of schedules once a minute and
// publishes a task.triggered event for every schedule that is due.
type CronProducer struct {
	schedules []Schedule
	publisher Publisher
	logger    *slog.Logger
	gron      gronx.Gronx
	now       func() time.Time
	tick      time.Duration
}

func NewCronProducer(schedules []Schedule, publisher Publisher, logger *slog.Logger) *CronProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CronProducer{
		schedules: schedules,
		publisher: publisher,
		logger:    logger,
		gron:      gronx.New(),
		now:       time.Now,
		tick:      time.Minute,
	}
}

// Run blocks, evaluating schedules every tick until ctx is cancelled.
func (p *CronProducer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.evaluate()
		}
	}
}

func (p *CronProducer) evaluate() {
	ref := p.now()
	for _, s := range p.schedules {
		due, err := p.gron.IsDue(s.Expression, ref)
		if err != nil {
			p.logger.Warn("cron producer: invalid expression", "schedule", s.Expression, "error", err)
			continue
		}
		if !due {
			continue
		}
		if err := p.publishOne(s, ref); err != nil {
			p.logger.Warn("cron producer: publish failed", "group", s.Group, "task", s.Task, "error", err)
		}
	}
}

func (p *CronProducer) publishOne(s Schedule, ref time.Time) error {
	payload, err := protocol.MarshalPayload(map[string]any{
		"schedule": s.Expression,
		"task":     s.Task,
		"metadata": map[string]string{"source": "cron"},
	})
	if err != nil {
		return err
	}
	env := &protocol.Envelope{
		ID:        uuid.NewString(),
		Version:   protocol.ProtocolVersion,
		Type:      protocol.TypeEvent,
		Topic:     protocol.TopicTaskTriggered,
		Source:    "cron",
		Timestamp: ref.UTC().Format(time.RFC3339),
		Group:     s.Group,
		Payload:   payload,
	}
	return p.publisher.Publish(env)
}
