package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PositionRecord is the wire shape of a position in remote-store change
// payloads. Decode it, then call ToPosition to get a validated value.
type PositionRecord struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	AccountID        string          `json:"account_id"`
	Symbol           string          `json:"symbol"`
	Volume           float64         `json:"volume"`
	EntryPrice       float64         `json:"entry_price,omitempty"`
	ExitPrice        float64         `json:"exit_price,omitempty"`
	Profit           float64         `json:"profit,omitempty"`
	TrailWidth       *float64        `json:"trail_width,omitempty"`
	TriggerActionIDs json.RawMessage `json:"trigger_action_ids,omitempty"`
	Status           string          `json:"status"`
	MTTicket         int64           `json:"mt_ticket,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ToPosition validates the record and converts it.
func (r PositionRecord) ToPosition() (Position, error) {
	fail := func(field, reason string) (Position, error) {
		return Position{}, &RecordError{Kind: "position", ID: r.ID, Field: field, Reason: reason}
	}
	switch {
	case r.ID == "":
		return fail("id", "required")
	case r.UserID == "":
		return fail("user_id", "required")
	case r.AccountID == "":
		return fail("account_id", "required")
	case r.Symbol == "":
		return fail("symbol", "required")
	case !PositionStatus(r.Status).Valid():
		return fail("status", fmt.Sprintf("unknown value %q", r.Status))
	case r.TrailWidth != nil && *r.TrailWidth < 0:
		return fail("trail_width", "must be >= 0")
	}
	triggers, err := ParseTriggerActionIDs(r.TriggerActionIDs)
	if err != nil {
		return fail("trigger_action_ids", err.Error())
	}
	return Position{
		ID:               r.ID,
		UserID:           r.UserID,
		AccountID:        r.AccountID,
		Symbol:           strings.ToUpper(r.Symbol),
		Volume:           r.Volume,
		EntryPrice:       r.EntryPrice,
		ExitPrice:        r.ExitPrice,
		Profit:           r.Profit,
		TrailWidth:       r.TrailWidth,
		TriggerActionIDs: triggers,
		Status:           PositionStatus(r.Status),
		MTTicket:         r.MTTicket,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}

// NewPositionRecord converts a position into its wire shape.
func NewPositionRecord(p Position) PositionRecord {
	var triggers json.RawMessage
	if len(p.TriggerActionIDs) > 0 {
		triggers, _ = json.Marshal(p.TriggerActionIDs)
	}
	return PositionRecord{
		ID:               p.ID,
		UserID:           p.UserID,
		AccountID:        p.AccountID,
		Symbol:           p.Symbol,
		Volume:           p.Volume,
		EntryPrice:       p.EntryPrice,
		ExitPrice:        p.ExitPrice,
		Profit:           p.Profit,
		TrailWidth:       p.TrailWidth,
		TriggerActionIDs: triggers,
		Status:           string(p.Status),
		MTTicket:         p.MTTicket,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

// ActionRecord is the wire shape of an action.
type ActionRecord struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	AccountID         string    `json:"account_id"`
	PositionID        string    `json:"position_id"`
	TriggerPositionID string    `json:"trigger_position_id,omitempty"`
	Type              string    `json:"type"`
	Status            string    `json:"status"`
	Error             string    `json:"error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ToAction validates the record and converts it.
func (r ActionRecord) ToAction() (Action, error) {
	fail := func(field, reason string) (Action, error) {
		return Action{}, &RecordError{Kind: "action", ID: r.ID, Field: field, Reason: reason}
	}
	switch {
	case r.ID == "":
		return fail("id", "required")
	case r.UserID == "":
		return fail("user_id", "required")
	case r.PositionID == "":
		return fail("position_id", "required")
	case ActionType(r.Type) != ActionEntry && ActionType(r.Type) != ActionClose:
		return fail("type", fmt.Sprintf("unknown value %q", r.Type))
	case !ActionStatus(r.Status).Valid():
		return fail("status", fmt.Sprintf("unknown value %q", r.Status))
	}
	return Action{
		ID:                r.ID,
		UserID:            r.UserID,
		AccountID:         r.AccountID,
		PositionID:        r.PositionID,
		TriggerPositionID: r.TriggerPositionID,
		Type:              ActionType(r.Type),
		Status:            ActionStatus(r.Status),
		Error:             r.Error,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}, nil
}

// NewActionRecord converts an action into its wire shape.
func NewActionRecord(a Action) ActionRecord {
	return ActionRecord{
		ID:                a.ID,
		UserID:            a.UserID,
		AccountID:         a.AccountID,
		PositionID:        a.PositionID,
		TriggerPositionID: a.TriggerPositionID,
		Type:              string(a.Type),
		Status:            string(a.Status),
		Error:             a.Error,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

// AccountRecord is the wire shape of an account snapshot.
type AccountRecord struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Balance    float64   `json:"balance"`
	Equity     float64   `json:"equity"`
	Margin     float64   `json:"margin"`
	FreeMargin float64   `json:"free_margin"`
	Profit     float64   `json:"profit"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ToAccount validates the record and converts it.
func (r AccountRecord) ToAccount() (Account, error) {
	if r.ID == "" {
		return Account{}, &RecordError{Kind: "account", Field: "id", Reason: "required"}
	}
	if r.Balance < 0 {
		return Account{}, &RecordError{Kind: "account", ID: r.ID, Field: "balance", Reason: "must be >= 0"}
	}
	return Account{
		ID:         r.ID,
		UserID:     r.UserID,
		Balance:    r.Balance,
		Equity:     r.Equity,
		Margin:     r.Margin,
		FreeMargin: r.FreeMargin,
		Profit:     r.Profit,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}

// DecodePosition unmarshals and validates a position payload.
func DecodePosition(data []byte) (Position, error) {
	var rec PositionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Position{}, &RecordError{Kind: "position", Field: "payload", Reason: err.Error()}
	}
	return rec.ToPosition()
}

// DecodeAction unmarshals and validates an action payload.
func DecodeAction(data []byte) (Action, error) {
	var rec ActionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Action{}, &RecordError{Kind: "action", Field: "payload", Reason: err.Error()}
	}
	return rec.ToAction()
}

// ParseTriggerActionIDs accepts the encodings seen in stored positions: a JSON
// array of strings, a JSON string holding such an array, or a JSON string
// with comma separated IDs. Blank entries are dropped and order is kept.
func ParseTriggerActionIDs(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var ids []string
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &ids); err != nil {
			return nil, fmt.Errorf("decode id list: %w", err)
		}
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode id string: %w", err)
		}
		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, "[") {
			return ParseTriggerActionIDs(json.RawMessage(s))
		}
		ids = strings.Split(s, ",")
	default:
		return nil, fmt.Errorf("unsupported encoding %q", raw[:1])
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
