package reconcile

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/hedgecoord/internal/delivery"
)

// Enqueuer accepts delivery items. *delivery.Queue satisfies it.
type Enqueuer interface {
	Enqueue(item delivery.Item) (string, error)
}

// AuditSink writes conflict records to the audit log through the delivery
// queue, so a slow or unavailable store never stalls reconciliation.
type AuditSink struct {
	queue Enqueuer
}

// NewAuditSink creates an AuditSink.
func NewAuditSink(q Enqueuer) *AuditSink {
	return &AuditSink{queue: q}
}

// RecordConflict implements ConflictSink.
func (s *AuditSink) RecordConflict(_ context.Context, rec ConflictRecord) error {
	_, err := s.queue.Enqueue(delivery.Item{
		Kind:     delivery.KindAudit,
		Key:      rec.ID,
		Payload:  delivery.AuditRecord{Event: "reconcile_conflict", Detail: rec.Detail()},
		Priority: delivery.PriorityLow,
	})
	if err != nil {
		return fmt.Errorf("reconcile: audit conflict %s: %w", rec.ID, err)
	}
	return nil
}
