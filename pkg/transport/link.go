package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/GreatApe42069/dogechat-android-sub001/pkg/utils"
)

// Wire framing: each packet travels as a 4-byte big-endian length
// followed by the encoded packet bytes.
const (
	frameHeaderSize = 4
	maxFrameSize    = 64 * 1024

	linkWriteTimeout = 10 * time.Second
)

// Link framing errors
var (
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	ErrLinkClosed    = errors.New("link closed")
)

// link wraps one TCP connection with length-prefixed packet framing.
// Writes are serialized; reads happen on the owner's read loop.
type link struct {
	conn net.Conn
	log  *utils.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newLink(conn net.Conn, log *utils.Logger) *link {
	return &link{
		conn: conn,
		log:  log,
		done: make(chan struct{}),
	}
}

func (l *link) remoteAddr() string {
	return l.conn.RemoteAddr().String()
}

// send writes one framed packet with a deadline so a stalled peer
// cannot wedge the broadcast path
func (l *link) send(frame []byte) error {
	if len(frame) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.conn.SetWriteDeadline(time.Now().Add(linkWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := l.conn.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := l.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readFrames delivers inbound frames to onFrame until the connection
// dies, then returns the terminal error
func (l *link) readFrames(onFrame func([]byte)) error {
	var header [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(l.conn, header[:]); err != nil {
			return err
		}
		size := binary.BigEndian.Uint32(header[:])
		if size == 0 || size > maxFrameSize {
			return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(l.conn, frame); err != nil {
			return err
		}
		onFrame(frame)
	}
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}
