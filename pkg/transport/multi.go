package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/GreatApe42069/dogechat-android-sub001/pkg/protocol"
	"github.com/GreatApe42069/dogechat-android-sub001/pkg/utils"
)

// Dial and reconnect tuning
const (
	dialTimeout     = 5 * time.Second
	reconnectBase   = 500 * time.Millisecond
	reconnectMax    = 30 * time.Second
	reconnectJitter = 0.2
)

// ErrAlreadyListening is returned by a second Listen call
var ErrAlreadyListening = errors.New("transport already listening")

// Multi is a TCP-backed broadcast transport. Every sent packet fans
// out to all live links, mirroring how a radio broadcast reaches every
// neighbor in range. It accepts inbound connections and keeps dialing
// configured peers with exponential backoff until they come up.
type Multi struct {
	log *utils.Logger

	mu         sync.RWMutex
	links      map[*link]struct{}
	handler    Handler
	listener   net.Listener
	listenAddr string
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMulti creates an unconnected transport. Wire it with Listen
// and/or Dial.
func NewMulti(parentCtx context.Context, log *utils.Logger) *Multi {
	if log == nil {
		log = utils.GetLogger()
	}
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	return &Multi{
		log:    log.WithFields(utils.ZapString("subsystem", "transport")),
		links:  make(map[*link]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Listen accepts inbound links on addr
func (m *Multi) Listen(addr string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrTransportClosed
	}
	if m.listener != nil {
		m.mu.Unlock()
		return ErrAlreadyListening
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	m.listener = ln
	m.listenAddr = ln.Addr().String()
	m.mu.Unlock()

	m.log.Info("Listening for links", utils.ZapString("addr", m.listenAddr))
	m.wg.Add(1)
	go m.acceptLoop(ln)
	return nil
}

// Dial keeps a persistent link to addr, reconnecting with exponential
// backoff whenever it drops
func (m *Multi) Dial(addr string) {
	m.wg.Add(1)
	go m.dialLoop(addr)
}

// Send encodes the packet once and fans it out to every live link.
// Links that fail to take the frame are dropped; broadcast itself is
// best-effort and only errors when the transport is closed.
func (m *Multi) Send(pkt *protocol.Packet) error {
	frame, err := pkt.Encode()
	if err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrTransportClosed
	}
	targets := make([]*link, 0, len(m.links))
	for l := range m.links {
		targets = append(targets, l)
	}
	m.mu.RUnlock()

	for _, l := range targets {
		if err := l.send(frame); err != nil {
			m.log.Warn("Dropping dead link",
				utils.ZapString("remote", l.remoteAddr()),
				utils.ZapError(err))
			m.removeLink(l)
			l.close()
		}
	}
	return nil
}

// SetHandler registers the inbound consumer
func (m *Multi) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// LocalAddr returns the listen address, or a marker for dial-only use
func (m *Multi) LocalAddr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listenAddr != "" {
		return m.listenAddr
	}
	return "dial-only"
}

// LinkCount returns the number of live links
func (m *Multi) LinkCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.links)
}

// Close tears down the listener, every link, and all dial loops
func (m *Multi) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ln := m.listener
	targets := make([]*link, 0, len(m.links))
	for l := range m.links {
		targets = append(targets, l)
	}
	m.links = make(map[*link]struct{})
	m.mu.Unlock()

	m.cancel()
	if ln != nil {
		ln.Close()
	}
	for _, l := range targets {
		l.close()
	}
	m.wg.Wait()
	m.log.Info("Transport closed")
	return nil
}

func (m *Multi) acceptLoop(ln net.Listener) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
			default:
				m.log.Warn("Accept failed, listener stopping", utils.ZapError(err))
			}
			return
		}
		m.wg.Add(1)
		go m.serveConn(conn)
	}
}

// serveConn runs one accepted link until it dies
func (m *Multi) serveConn(conn net.Conn) {
	defer m.wg.Done()

	l := newLink(conn, m.log)
	if !m.addLink(l) {
		l.close()
		return
	}
	m.log.Info("Link established", utils.ZapString("remote", l.remoteAddr()))

	err := l.readFrames(func(frame []byte) {
		m.deliver(frame, l.remoteAddr())
	})
	m.removeLink(l)
	l.close()
	m.logLinkClosed(l, err)
}

// dialLoop maintains one outbound link, reconnecting forever
func (m *Multi) dialLoop(addr string) {
	defer m.wg.Done()

	attempt := 0
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			delay := utils.ExponentialBackoff(attempt, reconnectBase, reconnectMax, reconnectJitter)
			attempt++
			m.log.Debug("Dial failed, backing off",
				utils.ZapString("addr", addr),
				utils.ZapDuration("retry_in", delay),
				utils.ZapError(err))
			if utils.SleepWithContext(m.ctx, delay) != nil {
				return
			}
			continue
		}
		attempt = 0

		l := newLink(conn, m.log)
		if !m.addLink(l) {
			l.close()
			return
		}
		m.log.Info("Link established", utils.ZapString("remote", l.remoteAddr()))

		rerr := l.readFrames(func(frame []byte) {
			m.deliver(frame, l.remoteAddr())
		})
		m.removeLink(l)
		l.close()
		m.logLinkClosed(l, rerr)
	}
}

func (m *Multi) deliver(frame []byte, fromAddr string) {
	pkt, err := protocol.DecodePacket(frame)
	if err != nil {
		m.log.Debug("Dropped undecodable frame",
			utils.ZapString("from", fromAddr),
			utils.ZapError(err))
		return
	}
	m.mu.RLock()
	h := m.handler
	m.mu.RUnlock()
	if h != nil {
		h(pkt, fromAddr)
	}
}

func (m *Multi) addLink(l *link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.links[l] = struct{}{}
	return true
}

func (m *Multi) removeLink(l *link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, l)
}

func (m *Multi) logLinkClosed(l *link, err error) {
	select {
	case <-m.ctx.Done():
		return
	default:
	}
	m.log.Info("Link closed",
		utils.ZapString("remote", l.remoteAddr()),
		utils.ZapError(err))
}
