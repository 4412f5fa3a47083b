package domain

import (
	"context"
	"time"
)

// EventKind discriminates the typed events a Socket emits. Per the
// callback-driven-socket-to-task-based-supervisor redesign, a Socket is
// consumed as a channel of typed events by one supervisor goroutine per
// session rather than through bound callbacks. Reconnect exclusivity (R-1)
// is enforced separately, by the connection manager's per-session worker
// map.
type EventKind string

const (
	EventConnectionUpdate EventKind = "connection_update"
	EventMessagesUpsert   EventKind = "messages_upsert"
	EventCredsUpdate      EventKind = "creds_update"
)

// ConnectionState mirrors the protocol library's coarse connection phases.
type ConnectionState string

const (
	ConnStateOpen       ConnectionState = "open"
	ConnStateClose      ConnectionState = "close"
	ConnStateConnecting ConnectionState = "connecting"
)

// ConnectionUpdate carries a connection-state change plus, when present,
// the QR payload for that phase and the disconnect status code.
type ConnectionUpdate struct {
	State      ConnectionState
	QR         string
	StatusCode int
	User       string // non-empty once the socket has an authenticated user
}

// RawMessage is a single inbound WhatsApp event, opaque to everything but
// the inbound pipeline's normalizer.
type RawMessage struct {
	RemoteJID        string
	RemoteJIDAlt     string
	Participant      string
	ParticipantAlt   string
	FromMe           bool
	MessageID        string
	MessageType      string
	MessageTimestamp time.Time
	PushName         string
	Conversation     string
	ExtendedText     string
	MediaKind        string // "audio" | "image" | "video" | "document" | ""
	MediaCaption     string
	MediaFilename    string
	Download         func(ctx context.Context) ([]byte, error)
}

// MessagesUpsert wraps one or more RawMessages delivered together.
type MessagesUpsert struct {
	Messages []RawMessage
}

// CredsUpdate signals that the socket's credential blob changed and should
// be persisted by whatever owns the auth directory.
type CredsUpdate struct{}

// Event is the tagged union a Socket streams to its supervisor.
type Event struct {
	Kind       EventKind
	Connection *ConnectionUpdate
	Messages   *MessagesUpsert
	Creds      *CredsUpdate
}

// SendKind enumerates the content kinds MessageSender can dispatch.
type SendKind string

const (
	SendText     SendKind = "text"
	SendImage    SendKind = "image"
	SendAudio    SendKind = "audio"
	SendVideo    SendKind = "video"
	SendDocument SendKind = "document"
)

// OutgoingMessage is what MessageSender hands to a Socket.
type OutgoingMessage struct {
	WaID     string
	Kind     SendKind
	Body     string
	MediaURL string
	Caption  string
	Filename string
}

// Socket is the abstract capability the core consumes instead of binding
// directly to the protocol library. The one concrete implementation lives
// in internal/infra/whatsmeowsocket.
type Socket interface {
	// Events returns a channel of typed events for this socket. The
	// channel closes when the socket is closed or the connection is torn
	// down permanently.
	Events() <-chan Event

	// Send dispatches one outgoing message and blocks until the protocol
	// library acknowledges or errors.
	Send(ctx context.Context, msg OutgoingMessage) error

	// IsConnected reports whether the socket currently has an
	// authenticated, live connection.
	IsConnected() bool

	// Close performs a best-effort logout/disconnect. Errors are for
	// logging only; callers never need to react to them.
	Close(ctx context.Context) error
}

// SocketFactory constructs Sockets for sessions, owning credential
// persistence (C1).
type SocketFactory interface {
	// CreateSocket resolves the session's auth directory (creating it if
	// absent), loads any persisted credential state, and returns a Socket
	// already wired to stream events. Fails fatally only if the auth
	// directory cannot be created or credential load errors.
	CreateSocket(ctx context.Context, sessionID string) (Socket, error)
}
