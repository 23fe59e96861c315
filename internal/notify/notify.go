// Package notify publishes over-budget warnings to NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
)

// OverBudgetEvent is the JSON payload published for each warning.
type OverBudgetEvent struct {
	ProjectID   string    `json:"project_id"`
	ProjectName string    `json:"project_name"`
	Purchased   string    `json:"purchased_hours"`
	Consumed    string    `json:"consumed_hours"`
	Overrun     string    `json:"overrun_hours"`
	Message     string    `json:"message"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// conn is the part of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
}

// Publisher implements billing.WarningSink over NATS core publish.
type Publisher struct {
	conn    conn
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
	now     func() time.Time
}

// Connect dials url and returns a publisher on subject.
func Connect(url, subject string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("billing-engine"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	p := newPublisher(nc, subject, logger)
	p.nc = nc
	return p, nil
}

func newPublisher(c conn, subject string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{conn: c, subject: subject, logger: logger, now: time.Now}
}

// OverBudget publishes the warning. Failures are logged, never returned.
func (p *Publisher) OverBudget(_ context.Context, w billing.OverBudgetWarning) {
	event := OverBudgetEvent{
		ProjectID:   w.ProjectID,
		ProjectName: w.ProjectName,
		Purchased:   w.Purchased.StringFixed(2),
		Consumed:    w.Consumed.StringFixed(2),
		Overrun:     w.Overrun().StringFixed(2),
		Message:     w.Message(),
		OccurredAt:  p.now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to encode over-budget event", zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.logger.Error("failed to publish over-budget event",
			zap.String("subject", p.subject),
			zap.String("project_id", w.ProjectID),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("published over-budget event",
		zap.String("subject", p.subject),
		zap.String("project_id", w.ProjectID),
	)
}

// Close drains the connection when Connect created it.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
