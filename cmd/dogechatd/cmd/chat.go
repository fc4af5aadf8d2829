package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GreatApe42069/dogechat-android-sub001/pkg/mesh"
	"github.com/GreatApe42069/dogechat-android-sub001/pkg/protocol"
)

// chatEnvelope is the JSON body of a chat message packet
type chatEnvelope struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Content  string `json:"content"`
	SentAt   int64  `json:"sent_at"`
}

// console renders mesh events for an interactive terminal session
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// sendChat broadcasts one chat line wrapped in an envelope
func (c *console) sendChat(svc *mesh.Service, text string) error {
	env := chatEnvelope{
		ID:       uuid.NewString(),
		Nickname: svc.Nickname(),
		Content:  text,
		SentAt:   time.Now().UnixMilli(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return svc.SendMessage(data)
}

// OnMessage renders inbound packets. Noise traffic is shown as a stub
// since this node holds no session keys.
func (c *console) OnMessage(pkt *protocol.Packet, fromAddr string) {
	switch pkt.Type {
	case protocol.TypeMessage:
		var env chatEnvelope
		if err := json.Unmarshal(pkt.Payload, &env); err != nil {
			c.printf("[mesh] undecodable message from %s\n", pkt.SenderID)
			return
		}
		if _, err := uuid.Parse(env.ID); err != nil {
			return
		}
		name := env.Nickname
		if name == "" {
			name = pkt.SenderID.String()
		}
		c.printf("<%s> %s\n", name, env.Content)
	default:
		c.printf("[mesh] %s from %s (%d bytes)\n", pkt.Type, pkt.SenderID, len(pkt.Payload))
	}
}

func (c *console) OnPeerListUpdated(ids []string) {
	c.printf("[mesh] %d active peer(s)\n", len(ids))
}

func (c *console) OnPeerRemoved(id string) {
	c.printf("[mesh] peer %s left or timed out\n", id)
}

func (c *console) OnPeerVerified(id, nickname string) {
	c.printf("[mesh] verified %s (%s)\n", nickname, id)
}
