package domain

import (
	"math"
	"slices"
	"time"
)

// PositionStatus is the lifecycle state of a hedged position.
type PositionStatus string

const (
	PositionPending  PositionStatus = "PENDING"
	PositionOpening  PositionStatus = "OPENING"
	PositionOpen     PositionStatus = "OPEN"
	PositionClosing  PositionStatus = "CLOSING"
	PositionClosed   PositionStatus = "CLOSED"
	PositionStopped  PositionStatus = "STOPPED"
	PositionCanceled PositionStatus = "CANCELED"
)

// positionTransitions lists the allowed successor states. Terminal states
// have no entry.
var positionTransitions = map[PositionStatus][]PositionStatus{
	PositionPending: {PositionOpening, PositionCanceled},
	PositionOpening: {PositionOpen, PositionCanceled},
	PositionOpen:    {PositionClosing, PositionStopped},
	PositionClosing: {PositionClosed, PositionStopped},
}

// Valid reports whether s is a known status.
func (s PositionStatus) Valid() bool {
	switch s {
	case PositionPending, PositionOpening, PositionOpen, PositionClosing,
		PositionClosed, PositionStopped, PositionCanceled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s PositionStatus) IsTerminal() bool {
	return s == PositionClosed || s == PositionStopped || s == PositionCanceled
}

// IsLive reports whether the position has (or is about to have) exposure at
// the broker.
func (s PositionStatus) IsLive() bool {
	return s == PositionOpening || s == PositionOpen || s == PositionClosing
}

// CanTransition reports whether moving from s to next is allowed.
func (s PositionStatus) CanTransition(next PositionStatus) bool {
	return slices.Contains(positionTransitions[s], next)
}

// Reaches reports whether next is s itself or follows it through one or more
// allowed transitions.
func (s PositionStatus) Reaches(next PositionStatus) bool {
	if s == next {
		return true
	}
	for _, succ := range positionTransitions[s] {
		if succ.Reaches(next) {
			return true
		}
	}
	return false
}

// Predecessors returns every known status from which s is reachable, s
// included.
func (s PositionStatus) Predecessors() []PositionStatus {
	var out []PositionStatus
	for _, from := range []PositionStatus{
		PositionPending, PositionOpening, PositionOpen, PositionClosing,
		PositionClosed, PositionStopped, PositionCanceled,
	} {
		if from.Reaches(s) {
			out = append(out, from)
		}
	}
	return out
}

// Side is the trade direction derived from the sign of a volume.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Position is a single hedged trade mirrored from the remote store.
type Position struct {
	ID               string
	UserID           string
	AccountID        string
	Symbol           string
	Volume           float64 // signed: > 0 buy, < 0 sell
	EntryPrice       float64
	ExitPrice        float64
	Profit           float64
	TrailWidth       *float64 // pips; nil disables trailing, 0 fires on the first evaluated tick
	TriggerActionIDs []string
	Status           PositionStatus
	MTTicket         int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Side returns the direction encoded in the volume sign.
func (p Position) Side() Side {
	if p.Volume < 0 {
		return SideSell
	}
	return SideBuy
}

// AbsVolume returns the lot size without its direction.
func (p Position) AbsVolume() float64 {
	return math.Abs(p.Volume)
}

// HasTrail reports whether the position carries a trail width and should be
// watched by the trail engine once it is open.
func (p Position) HasTrail() bool {
	return p.TrailWidth != nil && *p.TrailWidth >= 0
}

// Trail returns the trail width, or zero when trailing is disabled.
func (p Position) Trail() float64 {
	if p.TrailWidth == nil {
		return 0
	}
	return *p.TrailWidth
}

// Transition moves the position to next, stamping UpdatedAt. Invalid moves
// leave the position untouched and return a *TransitionError.
func (p *Position) Transition(next PositionStatus, at time.Time) error {
	if !p.Status.CanTransition(next) {
		return &TransitionError{Entity: "position", ID: p.ID, From: string(p.Status), To: string(next)}
	}
	p.Status = next
	p.UpdatedAt = at
	return nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (p Position) Clone() Position {
	p.TriggerActionIDs = slices.Clone(p.TriggerActionIDs)
	if p.TrailWidth != nil {
		w := *p.TrailWidth
		p.TrailWidth = &w
	}
	return p
}
