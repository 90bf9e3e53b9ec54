// Package notify fans operator alerts out to every configured channel.
// A failing channel never stops delivery to the others.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"fusionbot/internal/ports"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, priority ports.Priority, title, message string) error
	Name() string
}

// Notifier implements ports.Notifier over a set of senders.
type Notifier struct {
	senders     []Sender
	minPriority ports.Priority
	logger      ports.Logger
}

var _ ports.Notifier = (*Notifier)(nil)

// New creates a Notifier. Alerts below minPriority are dropped.
func New(senders []Sender, minPriority ports.Priority, logger ports.Logger) *Notifier {
	return &Notifier{senders: senders, minPriority: minPriority, logger: logger}
}

// Notify delivers to every sender and returns the combined failures.
func (n *Notifier) Notify(ctx context.Context, priority ports.Priority, title, message string) error {
	if priority < n.minPriority {
		n.logger.Debug(ctx, "Notification filtered by priority", map[string]interface{}{
			"priority": priority.String(),
			"title":    title,
		})
		return nil
	}

	var errs error
	for _, s := range n.senders {
		if err := s.Send(ctx, priority, title, message); err != nil {
			n.logger.Error(ctx, err, "Notification sender failed", map[string]interface{}{
				"sender":   s.Name(),
				"priority": priority.String(),
				"title":    title,
			})
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.Debug(ctx, "Notification sent", map[string]interface{}{"sender": s.Name(), "title": title})
	}
	return errs
}

// LogSender writes alerts to the structured log. It is the fallback channel
// when no chat channel is configured.
type LogSender struct {
	logger ports.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger ports.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(ctx context.Context, priority ports.Priority, title, message string) error {
	fields := map[string]interface{}{"priority": priority.String(), "alert": title, "message": message}
	if priority >= ports.PriorityHigh {
		s.logger.Warn(ctx, "ALERT: "+title, fields)
		return nil
	}
	s.logger.Info(ctx, "Alert: "+title, fields)
	return nil
}
