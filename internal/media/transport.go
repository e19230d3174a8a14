package media

import (
	"context"
	"errors"
)

// ErrTransport marks media collaborator failures. A session whose transport
// fails mid-stream tears itself down and sends BYE upstream.
var ErrTransport = errors.New("media transport failure")

// StreamInfo describes one outbound media stream after SDP negotiation.
type StreamInfo struct {
	CallID     string
	ChannelID  string
	LocalPort  int    // leased from the PortPool
	RemoteIP   string // platform media address from the offer
	RemotePort int
	TCP        bool
	SSRC       string
}

// Transport pushes media for exactly one session.
type Transport interface {
	// Start launches the stream. A returned error means nothing is running.
	Start(ctx context.Context, info StreamInfo) error
	// Stop terminates the stream. Idempotent.
	Stop() error
	// IsAlive reports whether the stream is still running.
	IsAlive() bool
	// Done closes when the transport exits, expectedly or not.
	Done() <-chan struct{}
	// Err returns the exit error after Done closes, nil for a clean stop.
	Err() error
}

// Factory builds one Transport per session.
type Factory func() Transport
