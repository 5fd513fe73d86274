package domain

import "context"

// ConnectionState is the lifecycle of a channel's link to its provider.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateQRRequired   ConnectionState = "qr_required"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// Channel is the interface all delivery channels implement (whatsapp, mail).
type Channel interface {
	Name() string
	// Connect brings the channel up and returns the state it landed in.
	// qr_required is a valid landing state, not an error.
	Connect(ctx context.Context) (ConnectionState, error)
	Disconnect(ctx context.Context) error
	// Send delivers one envelope. The result is always populated; the
	// error field inside it carries the typed failure when Success is false.
	Send(ctx context.Context, env Envelope) SendResult
	Status(ctx context.Context) ChannelStatus
	IsConnected() bool
	// CanDeliver reports whether the recipient's address kind is one this
	// channel delivers to.
	CanDeliver(r Recipient) bool
}

// ChannelStatus is a point-in-time snapshot of a channel.
type ChannelStatus struct {
	Name      string          `json:"name"`
	State     ConnectionState `json:"state"`
	Connected bool            `json:"connected"`
	QRCode    string          `json:"qrCode,omitempty"` // set only in qr_required
	Detail    string          `json:"detail,omitempty"` // last error text in error state
}

// Contact is an address book entry synced from the chat provider.
type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}
