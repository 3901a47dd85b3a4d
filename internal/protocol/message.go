// Package protocol defines the JSON message set exchanged with trading
// terminals and the codec that validates it.
package protocol

import (
	"time"
)

// MessageType names a wire message.
type MessageType string

const (
	// Server to terminal.
	TypeOpen   MessageType = "OPEN"
	TypeClose  MessageType = "CLOSE"
	TypeAccept MessageType = "ACCEPT"
	TypePing   MessageType = "PING"

	// Terminal to server.
	TypeOpened  MessageType = "OPENED"
	TypeClosed  MessageType = "CLOSED"
	TypeStopped MessageType = "STOPPED"
	TypeError   MessageType = "ERROR"
	TypeInfo    MessageType = "INFO"
	TypePrice   MessageType = "PRICE"
	TypeAuth    MessageType = "AUTH"
	TypePong    MessageType = "PONG"
)

// Close codes sent when the server terminates a terminal connection.
const (
	CloseAuthFailed       = 4001
	CloseMaxConnections   = 4002
	CloseAuthTimeout      = 4003
	CloseProtocolError    = 4004
	CloseAccountRequired  = 4005
	CloseHeartbeatTimeout = 4008
)

// Message is implemented by every wire message. Concrete messages are always
// handled by pointer.
type Message interface {
	MessageType() MessageType
}

// Header carries the fields common to all messages.
type Header struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// MessageType implements Message.
func (h Header) MessageType() MessageType { return h.Type }

// NewHeader stamps a header for a message of type t.
func NewHeader(t MessageType, at time.Time) Header {
	return Header{Type: t, Timestamp: at.UTC()}
}

// Open instructs a terminal to place a market order.
type Open struct {
	Header
	AccountID  string            `json:"accountId"`
	PositionID string            `json:"positionId"`
	Symbol     string            `json:"symbol"`
	Side       string            `json:"side"`
	Volume     float64           `json:"volume"`
	TrailWidth *float64          `json:"trailWidth,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Close instructs a terminal to close the order behind a position.
type Close struct {
	Header
	AccountID  string            `json:"accountId"`
	PositionID string            `json:"positionId"`
	Symbol     string            `json:"symbol,omitempty"`
	Side       string            `json:"side,omitempty"`
	Volume     float64           `json:"volume,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Accept confirms a successful handshake.
type Accept struct {
	Header
	SessionID string `json:"sessionId"`
}

// Ping and Pong are application level heartbeats.
type Ping struct {
	Header
}

type Pong struct {
	Header
}

// Opened reports a filled open order.
type Opened struct {
	Header
	PositionID string    `json:"positionId"`
	OrderID    string    `json:"orderId"`
	Price      float64   `json:"price"`
	Time       time.Time `json:"time"`
	MTTicket   int64     `json:"mtTicket,omitempty"`
}

// Closed reports a position closed on request.
type Closed struct {
	Header
	PositionID string    `json:"positionId"`
	Price      float64   `json:"price"`
	Profit     float64   `json:"profit"`
	Time       time.Time `json:"time"`
}

// Stopped reports a broker forced closure (stop-out, margin call).
type Stopped struct {
	Header
	PositionID string    `json:"positionId"`
	Price      float64   `json:"price"`
	Time       time.Time `json:"time"`
	Reason     string    `json:"reason"`
}

// Error reports a terminal side failure, optionally tied to a position. The
// server also sends it back for messages it rejects.
type Error struct {
	Header
	PositionID string `json:"positionId,omitempty"`
	Message    string `json:"message"`
	ErrorCode  string `json:"errorCode,omitempty"`
}

// EAInfo describes the terminal software behind a connection.
type EAInfo struct {
	Version     string `json:"version,omitempty"`
	Platform    string `json:"platform,omitempty"` // MT4 or MT5
	Account     string `json:"account,omitempty"`
	ServerName  string `json:"serverName,omitempty"`
	CompanyName string `json:"companyName,omitempty"`
}

// AccountInfo is an account snapshot carried by INFO.
type AccountInfo struct {
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"freeMargin"`
	Profit     float64 `json:"profit"`
}

// Info carries terminal metadata and, optionally, an account snapshot.
type Info struct {
	Header
	AccountID string       `json:"accountId,omitempty"`
	EAInfo    *EAInfo      `json:"eaInfo,omitempty"`
	Account   *AccountInfo `json:"account,omitempty"`
}

// Price is a quote pushed by a terminal.
type Price struct {
	Header
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// Auth authenticates a connection that did not present a token during the
// HTTP upgrade.
type Auth struct {
	Header
	Token     string  `json:"token"`
	AccountID string  `json:"accountId"`
	EAInfo    *EAInfo `json:"eaInfo,omitempty"`
}

// PositionID returns the position a terminal event refers to, or "".
func PositionID(m Message) string {
	switch v := m.(type) {
	case *Opened:
		return v.PositionID
	case *Closed:
		return v.PositionID
	case *Stopped:
		return v.PositionID
	case *Error:
		return v.PositionID
	}
	return ""
}
