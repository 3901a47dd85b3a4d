// Package reconcile merges the terminal-observed and remote-store views of
// positions and accounts into one canonical record, detecting and resolving
// conflicts between them.
package reconcile

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
)

// Source names where an update was observed.
type Source string

const (
	SourceWebSocket Source = "websocket"
	SourceRemote    Source = "remote"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool { return s == SourceWebSocket || s == SourceRemote }

// Kind names the entity an update describes.
type Kind string

const (
	KindPosition Kind = "position"
	KindAccount  Kind = "account"
)

// Strategy selects how conflicts are resolved.
type Strategy string

const (
	// StrategySourcePriority always prefers the configured source.
	StrategySourcePriority Strategy = "source_priority"
	// StrategyTimestampPriority prefers the newer update; equal timestamps
	// fall back to the configured source.
	StrategyTimestampPriority Strategy = "timestamp_priority"
)

// ConflictType classifies a detected divergence.
type ConflictType string

const (
	ConflictNumeric ConflictType = "numeric_mismatch"
	ConflictTiming  ConflictType = "timing"
	ConflictStatus  ConflictType = "status_divergence"
)

// Update is one observation of an entity. Exactly one of Position and
// Account is set, matching Kind.
type Update struct {
	Kind      Kind             `json:"kind"`
	ID        string           `json:"id"`
	Source    Source           `json:"source"`
	Timestamp time.Time        `json:"timestamp"`
	Position  *domain.Position `json:"position,omitempty"`
	Account   *domain.Account  `json:"account,omitempty"`
}

// PositionUpdate wraps a position observed from source.
func PositionUpdate(p domain.Position, source Source) Update {
	p = p.Clone()
	return Update{Kind: KindPosition, ID: p.ID, Source: source, Timestamp: p.UpdatedAt, Position: &p}
}

// AccountUpdate wraps an account snapshot observed from source.
func AccountUpdate(a domain.Account, source Source) Update {
	return Update{Kind: KindAccount, ID: a.ID, Source: source, Timestamp: a.UpdatedAt, Account: &a}
}

func (u Update) validate() error {
	switch {
	case u.ID == "":
		return fmt.Errorf("reconcile: update without id")
	case !u.Source.Valid():
		return fmt.Errorf("reconcile: %s %s: unknown source %q", u.Kind, u.ID, u.Source)
	case u.Kind == KindPosition && u.Position == nil:
		return fmt.Errorf("reconcile: position %s: missing payload", u.ID)
	case u.Kind == KindAccount && u.Account == nil:
		return fmt.Errorf("reconcile: account %s: missing payload", u.ID)
	case u.Kind != KindPosition && u.Kind != KindAccount:
		return fmt.Errorf("reconcile: %s: unknown kind %q", u.ID, u.Kind)
	}
	return nil
}

type entityKey struct {
	kind Kind
	id   string
}

// ConflictRecord documents one resolution. The losing update is retained so
// nothing observed is silently discarded.
type ConflictRecord struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	EntityID   string         `json:"entity_id"`
	Types      []ConflictType `json:"types"`
	Fields     []string       `json:"fields,omitempty"`
	Strategy   Strategy       `json:"strategy"`
	Winner     Source         `json:"winner"`
	Winning    Update         `json:"winning"`
	Losing     Update         `json:"losing"`
	ResolvedAt time.Time      `json:"resolved_at"`
}

// Detail flattens the record for the audit log.
func (r ConflictRecord) Detail() map[string]any {
	types := make([]string, len(r.Types))
	for i, t := range r.Types {
		types[i] = string(t)
	}
	return map[string]any{
		"conflict_id": r.ID,
		"kind":        string(r.Kind),
		"entity_id":   r.EntityID,
		"types":       types,
		"fields":      r.Fields,
		"strategy":    string(r.Strategy),
		"winner":      string(r.Winner),
		"winning":     r.Winning,
		"losing":      r.Losing,
		"resolved_at": r.ResolvedAt,
	}
}

// StreamedConflict is a conflict read back from a durable stream. Conflict
// holds the Detail map as it was written.
type StreamedConflict struct {
	StreamID string         `json:"stream_id"`
	Conflict map[string]any `json:"conflict"`
}
