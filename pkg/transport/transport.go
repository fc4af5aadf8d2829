// Package transport moves encoded mesh packets between nodes. The
// mesh layer broadcasts; a transport delivers each sent packet to
// every reachable neighbor and feeds decoded inbound packets to a
// single handler.
package transport

import (
	"errors"

	"github.com/GreatApe42069/dogechat-android-sub001/pkg/protocol"
)

// Transport errors
var (
	ErrTransportClosed = errors.New("transport closed")
	ErrNoHandler       = errors.New("no inbound handler set")
)

// Handler consumes one decoded inbound packet. fromAddr identifies
// the link the packet arrived on; handlers must not block for long,
// the read path waits on them.
type Handler func(pkt *protocol.Packet, fromAddr string)

// Transport is a broadcast packet carrier
type Transport interface {
	// Send encodes and delivers one packet to every connected neighbor
	Send(pkt *protocol.Packet) error

	// SetHandler registers the inbound consumer. Set it before
	// traffic flows; inbound packets without a handler are dropped.
	SetHandler(h Handler)

	// LocalAddr identifies this endpoint for logs and diagnostics
	LocalAddr() string

	// Close tears down all links and stops inbound delivery
	Close() error
}
