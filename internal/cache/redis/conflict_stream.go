package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/hedgecoord/internal/reconcile"
)

// ConflictStreamKey is the stream resolved conflicts are appended to.
const ConflictStreamKey = "stream:reconcile:conflicts"

// ConflictStream implements reconcile.ConflictSink by appending each resolved
// conflict to a Redis stream, where operators and other processes can
// replay it.
type ConflictStream struct {
	bus    *SignalBus
	stream string
}

// NewConflictStream creates a ConflictStream writing to ConflictStreamKey.
func NewConflictStream(bus *SignalBus) *ConflictStream {
	return &ConflictStream{bus: bus, stream: ConflictStreamKey}
}

// RecordConflict appends rec to the stream.
func (s *ConflictStream) RecordConflict(ctx context.Context, rec reconcile.ConflictRecord) error {
	data, err := json.Marshal(rec.Detail())
	if err != nil {
		return fmt.Errorf("redis: encode conflict %s: %w", rec.ID, err)
	}
	return s.bus.StreamAppend(ctx, s.stream, data)
}

// Replay returns up to limit conflicts appended after the stream ID after,
// oldest first. Use "0" to start from the beginning of the stream.
func (s *ConflictStream) Replay(ctx context.Context, after string, limit int) ([]reconcile.StreamedConflict, error) {
	if after == "" {
		after = "0"
	}
	msgs, err := s.bus.StreamRead(ctx, s.stream, after, limit)
	if err != nil {
		return nil, err
	}
	out := make([]reconcile.StreamedConflict, 0, len(msgs))
	for _, m := range msgs {
		var detail map[string]any
		if err := json.Unmarshal(m.Payload, &detail); err != nil {
			continue
		}
		out = append(out, reconcile.StreamedConflict{StreamID: m.ID, Conflict: detail})
	}
	return out, nil
}

var _ reconcile.ConflictSink = (*ConflictStream)(nil)
