package transport

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/GreatApe42069/dogechat-android-sub001/pkg/protocol"
)

var pairSender = protocol.PeerID{0xaa, 1, 2, 3, 4, 5, 6, 7}

func TestPairDeliversPackets(t *testing.T) {
	a, b := NewPair()
	defer a.Close()
	defer b.Close()

	received := make(chan *protocol.Packet, 1)
	from := make(chan string, 1)
	b.SetHandler(func(pkt *protocol.Packet, fromAddr string) {
		received <- pkt
		from <- fromAddr
	})

	sent := protocol.NewPacket(protocol.TypeMessage, pairSender, []byte("across the pair"))
	if err := a.Send(sent); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case pkt := <-received:
		if pkt.Type != protocol.TypeMessage || !bytes.Equal(pkt.Payload, sent.Payload) {
			t.Fatalf("delivered packet mangled: %+v", pkt)
		}
		if pkt.SenderID != pairSender {
			t.Fatal("sender id lost in transit")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("packet never delivered")
	}
	if addr := <-from; addr != "pair:a" {
		t.Fatalf("expected fromAddr pair:a, got %q", addr)
	}
}

func TestPairSendAfterCloseFails(t *testing.T) {
	a, b := NewPair()
	a.Close()

	pkt := protocol.NewPacket(protocol.TypeMessage, pairSender, []byte("late"))
	if err := a.Send(pkt); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed from closed endpoint, got %v", err)
	}
	// the surviving endpoint cannot reach a closed peer either
	if err := b.Send(pkt); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed toward closed peer, got %v", err)
	}
	b.Close()
}

func TestPairWithoutHandlerDropsQuietly(t *testing.T) {
	a, b := NewPair()
	defer a.Close()
	defer b.Close()

	if err := a.Send(protocol.NewPacket(protocol.TypeMessage, pairSender, []byte("into the void"))); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	// let the pump drain the unhandled frame before attaching
	time.Sleep(50 * time.Millisecond)

	// a handler attached later still gets fresh traffic
	received := make(chan *protocol.Packet, 1)
	b.SetHandler(func(pkt *protocol.Packet, _ string) { received <- pkt })

	if err := a.Send(protocol.NewPacket(protocol.TypeMessage, pairSender, []byte("second"))); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	select {
	case pkt := <-received:
		if !bytes.Equal(pkt.Payload, []byte("second")) {
			t.Fatalf("unexpected payload %q", pkt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("packet never delivered after handler attach")
	}
}

func TestPairLocalAddr(t *testing.T) {
	a, b := NewPair()
	defer a.Close()
	defer b.Close()

	if a.LocalAddr() != "pair:a" || b.LocalAddr() != "pair:b" {
		t.Fatalf("unexpected endpoint names %q / %q", a.LocalAddr(), b.LocalAddr())
	}
}
