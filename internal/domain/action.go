package domain

import (
	"slices"
	"time"
)

// ActionType distinguishes opening from closing intents.
type ActionType string

const (
	ActionEntry ActionType = "ENTRY"
	ActionClose ActionType = "CLOSE"
)

// ActionStatus is the lifecycle state of an execution intent.
type ActionStatus string

const (
	ActionPending   ActionStatus = "PENDING"
	ActionExecuting ActionStatus = "EXECUTING"
	ActionExecuted  ActionStatus = "EXECUTED"
	ActionFailed    ActionStatus = "FAILED"
)

var actionTransitions = map[ActionStatus][]ActionStatus{
	ActionPending:   {ActionExecuting},
	ActionExecuting: {ActionExecuted, ActionFailed},
}

// Valid reports whether s is a known status.
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionPending, ActionExecuting, ActionExecuted, ActionFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s ActionStatus) IsTerminal() bool {
	return s == ActionExecuted || s == ActionFailed
}

// CanTransition reports whether moving from s to next is allowed.
func (s ActionStatus) CanTransition(next ActionStatus) bool {
	return slices.Contains(actionTransitions[s], next)
}

// Action is one execution intent tied to a position. UserID names the owner:
// only the process running as that user may execute it.
type Action struct {
	ID                string
	UserID            string
	AccountID         string
	PositionID        string
	TriggerPositionID string
	Type              ActionType
	Status            ActionStatus
	Error             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Transition moves the action to next, stamping UpdatedAt.
func (a *Action) Transition(next ActionStatus, at time.Time) error {
	if !a.Status.CanTransition(next) {
		return &TransitionError{Entity: "action", ID: a.ID, From: string(a.Status), To: string(next)}
	}
	a.Status = next
	a.UpdatedAt = at
	return nil
}
