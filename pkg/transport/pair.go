package transport

import (
	"fmt"
	"sync"

	"github.com/GreatApe42069/dogechat-android-sub001/pkg/protocol"
)

// pairQueueDepth bounds in-flight frames per direction
const pairQueueDepth = 256

// PairEndpoint is one side of an in-memory transport pair. Frames go
// through a full encode/decode cycle so the pair behaves like a real
// wire, minus the socket.
type PairEndpoint struct {
	name string
	peer *PairEndpoint

	mu      sync.RWMutex
	handler Handler

	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPair creates two connected in-memory endpoints
func NewPair() (*PairEndpoint, *PairEndpoint) {
	a := &PairEndpoint{
		name:  "pair:a",
		inbox: make(chan []byte, pairQueueDepth),
		done:  make(chan struct{}),
	}
	b := &PairEndpoint{
		name:  "pair:b",
		inbox: make(chan []byte, pairQueueDepth),
		done:  make(chan struct{}),
	}
	a.peer = b
	b.peer = a

	a.wg.Add(1)
	go a.pump()
	b.wg.Add(1)
	go b.pump()
	return a, b
}

// Send encodes the packet and queues it for the other endpoint,
// blocking when the queue is full
func (e *PairEndpoint) Send(pkt *protocol.Packet) error {
	frame, err := pkt.Encode()
	if err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}
	select {
	case <-e.done:
		return ErrTransportClosed
	case <-e.peer.done:
		return ErrTransportClosed
	case e.peer.inbox <- frame:
		return nil
	}
}

// SetHandler registers the inbound consumer
func (e *PairEndpoint) SetHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// LocalAddr returns the endpoint name
func (e *PairEndpoint) LocalAddr() string {
	return e.name
}

// Close stops this endpoint. The peer endpoint keeps running but its
// sends start failing.
func (e *PairEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	e.wg.Wait()
	return nil
}

func (e *PairEndpoint) pump() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case frame := <-e.inbox:
			e.deliver(frame)
		}
	}
}

func (e *PairEndpoint) deliver(frame []byte) {
	pkt, err := protocol.DecodePacket(frame)
	if err != nil {
		return
	}
	e.mu.RLock()
	h := e.handler
	e.mu.RUnlock()
	if h != nil {
		h(pkt, e.peer.name)
	}
}
