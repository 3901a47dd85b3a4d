package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidMessage = errors.New("protocol: invalid message")
	ErrUnknownType    = errors.New("protocol: unknown message type")
)

// ValidationError names the field that failed validation. It matches
// ErrInvalidMessage under errors.Is.
type ValidationError struct {
	Type   MessageType
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: %s: %s %s", e.Type, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidMessage }

// Encode serializes m after validating it.
func Encode(m Message) ([]byte, error) {
	if err := Validate(m); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.MessageType(), err)
	}
	return data, nil
}

// Decode parses a frame into its concrete message type and validates the
// required fields.
func Decode(data []byte) (Message, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	h.Type = MessageType(strings.ToUpper(string(h.Type)))

	m, ok := newMessage(h.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, h.Type, err)
	}
	setType(m, h.Type)
	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

func newMessage(t MessageType) (Message, bool) {
	switch t {
	case TypeOpen:
		return &Open{}, true
	case TypeClose:
		return &Close{}, true
	case TypeAccept:
		return &Accept{}, true
	case TypePing:
		return &Ping{}, true
	case TypePong:
		return &Pong{}, true
	case TypeOpened:
		return &Opened{}, true
	case TypeClosed:
		return &Closed{}, true
	case TypeStopped:
		return &Stopped{}, true
	case TypeError:
		return &Error{}, true
	case TypeInfo:
		return &Info{}, true
	case TypePrice:
		return &Price{}, true
	case TypeAuth:
		return &Auth{}, true
	}
	return nil, false
}

// setType normalizes the header type after a case-insensitive decode.
func setType(m Message, t MessageType) {
	switch v := m.(type) {
	case *Open:
		v.Type = t
	case *Close:
		v.Type = t
	case *Accept:
		v.Type = t
	case *Ping:
		v.Type = t
	case *Pong:
		v.Type = t
	case *Opened:
		v.Type = t
	case *Closed:
		v.Type = t
	case *Stopped:
		v.Type = t
	case *Error:
		v.Type = t
	case *Info:
		v.Type = t
	case *Price:
		v.Type = t
	case *Auth:
		v.Type = t
	}
}

// Validate checks that m carries every required field for its type.
func Validate(m Message) error {
	t := m.MessageType()
	missing := func(field string) error {
		return &ValidationError{Type: t, Field: field, Reason: "is required"}
	}
	invalid := func(field, reason string) error {
		return &ValidationError{Type: t, Field: field, Reason: reason}
	}
	if t == "" {
		return missing("type")
	}

	switch v := m.(type) {
	case *Open:
		switch {
		case v.AccountID == "":
			return missing("accountId")
		case v.PositionID == "":
			return missing("positionId")
		case v.Symbol == "":
			return missing("symbol")
		case v.Side != "BUY" && v.Side != "SELL":
			return invalid("side", "must be BUY or SELL")
		case v.Volume <= 0:
			return invalid("volume", "must be > 0")
		case v.TrailWidth != nil && *v.TrailWidth < 0:
			return invalid("trailWidth", "must be >= 0")
		}
	case *Close:
		switch {
		case v.AccountID == "":
			return missing("accountId")
		case v.PositionID == "":
			return missing("positionId")
		case v.Volume < 0:
			return invalid("volume", "must be >= 0")
		}
	case *Accept:
		if v.SessionID == "" {
			return missing("sessionId")
		}
	case *Opened:
		switch {
		case v.PositionID == "":
			return missing("positionId")
		case v.OrderID == "" && v.MTTicket == 0:
			return missing("orderId")
		case v.Price <= 0:
			return invalid("price", "must be > 0")
		}
	case *Closed:
		switch {
		case v.PositionID == "":
			return missing("positionId")
		case v.Price <= 0:
			return invalid("price", "must be > 0")
		}
	case *Stopped:
		switch {
		case v.PositionID == "":
			return missing("positionId")
		case v.Price <= 0:
			return invalid("price", "must be > 0")
		}
	case *Error:
		if v.Message == "" {
			return missing("message")
		}
	case *Price:
		switch {
		case v.Symbol == "":
			return missing("symbol")
		case v.Bid <= 0 && v.Ask <= 0:
			return invalid("bid", "bid or ask must be > 0")
		}
	case *Auth:
		if v.Token == "" {
			return missing("token")
		}
	case *Info, *Ping, *Pong:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return nil
}
