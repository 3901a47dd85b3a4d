// Package notify delivers operator alerts (dead-lettered writes, stale locks,
// terminal errors) to Telegram and Discord. Alerts are filtered by event
// type and rate limited per event so a flapping condition does not flood
// the channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to every registered Sender.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

// NewNotifier creates a Notifier. Only events listed in events are forwarded
// by Notify; an empty list forwards everything. Repeats of the same event and
// title inside cooldown are suppressed; zero disables suppression.
func NewNotifier(senders []Sender, events []string, cooldown time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		cooldown: cooldown,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "notifier")),
		last:     make(map[string]time.Time),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// Notify sends an alert if event passes the filter and is not cooling down.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.suppressed(event + "|" + title) {
		n.logger.DebugContext(ctx, "event suppressed by cooldown", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends an alert regardless of filter and cooldown.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) suppressed(key string) bool {
	if n.cooldown <= 0 {
		return false
	}
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	if at, ok := n.last[key]; ok && now.Sub(at) < n.cooldown {
		return true
	}
	n.last[key] = now
	return false
}

// dispatch sends to every sender; one failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
