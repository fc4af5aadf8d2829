package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GreatApe42069/dogechat-android-sub001/pkg/config"
	"github.com/GreatApe42069/dogechat-android-sub001/pkg/peer"
	"github.com/GreatApe42069/dogechat-android-sub001/pkg/protocol"
	"github.com/GreatApe42069/dogechat-android-sub001/pkg/transport"
	"github.com/GreatApe42069/dogechat-android-sub001/pkg/utils"
)

// initialAnnounceDelay staggers the first announce after startup so
// nodes coming up together do not collide
const initialAnnounceDelay = 400 * time.Millisecond

// Service errors
var (
	ErrTransportRequired = errors.New("transport is required")
	ErrCodecRequired     = errors.New("announce codec is required")
	ErrLocalIDRequired   = errors.New("local peer id is required")
	ErrAlreadyStarted    = errors.New("service already started")
	ErrNotStarted        = errors.New("service not started")
)

// AnnounceCodec encodes and checks announce payloads. The mesh layer
// treats announce bytes as opaque; the application supplies the
// concrete encoding.
type AnnounceCodec interface {
	EncodeAnnounce(nickname string) ([]byte, error)
	DecodeAnnounce(payload []byte) (peer.Announcement, bool)
	VerifyAnnounce(ann peer.Announcement) bool
}

// Delegate receives mesh events. All calls are synchronous; a
// panicking delegate is isolated and cannot disturb mesh state.
type Delegate interface {
	// OnMessage delivers a non-control packet, reassembled if it
	// arrived fragmented
	OnMessage(pkt *protocol.Packet, fromAddr string)

	// OnPeerListUpdated carries the full sorted active peer id list
	OnPeerListUpdated(activePeerIDs []string)

	// OnPeerRemoved fires once per removed peer
	OnPeerRemoved(peerID string)

	// OnPeerVerified fires exactly once when a peer first passes
	// announcement verification
	OnPeerVerified(peerID, nickname string)
}

// Config assembles a mesh service
type Config struct {
	LocalID  protocol.PeerID
	Nickname string

	Mesh      *config.MeshConfig
	Transport transport.Transport
	Registry  peer.Registry
	Codec     AnnounceCodec
	Delegate  Delegate
	Logger    *utils.Logger
}

// Service is the mesh transport core. It fragments outbound packets,
// reassembles inbound ones, maintains the peer directory from
// announce and leave traffic, and forwards everything else to the
// delegate.
type Service struct {
	log      *utils.Logger
	meshCfg  *config.MeshConfig
	localID  protocol.PeerID
	delegate Delegate

	transport  transport.Transport
	directory  *peer.Directory
	fragmenter *Fragmenter
	codec      AnnounceCodec
	metrics    *Metrics

	nickMu   sync.RWMutex
	nickname string

	runMu   sync.Mutex
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires up a mesh service. The transport is adopted: Stop
// closes it.
func NewService(parentCtx context.Context, cfg Config) (*Service, error) {
	if cfg.Transport == nil {
		return nil, ErrTransportRequired
	}
	if cfg.Codec == nil {
		return nil, ErrCodecRequired
	}
	if cfg.LocalID.IsZero() {
		return nil, ErrLocalIDRequired
	}
	meshCfg := cfg.Mesh
	if meshCfg == nil {
		meshCfg = config.DefaultMeshConfig()
	}
	if err := meshCfg.Validate(); err != nil {
		return nil, fmt.Errorf("mesh config: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = utils.GetLogger()
	}
	log = log.WithFields(utils.ZapString("local_peer_id", cfg.LocalID.String()))
	registry := cfg.Registry
	if registry == nil {
		registry = peer.NewMemoryRegistry()
	}
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	s := &Service{
		log:       log,
		meshCfg:   meshCfg,
		localID:   cfg.LocalID,
		delegate:  cfg.Delegate,
		transport: cfg.Transport,
		codec:     cfg.Codec,
		metrics:   NewMetrics(),
		nickname:  cfg.Nickname,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.directory = peer.NewDirectory(ctx, meshCfg, log, registry)
	s.directory.SetObserver(directoryObserver{s})
	s.fragmenter = NewFragmenter(ctx, meshCfg, log, s.metrics)
	return s, nil
}

// Start attaches the inbound handler and launches background work
func (s *Service) Start() error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return ErrAlreadyStarted
	}
	s.running = true
	s.runMu.Unlock()

	s.transport.SetHandler(s.handleInbound)
	s.directory.Start()
	s.fragmenter.Start()

	s.wg.Add(1)
	go s.announceLoop()

	s.log.Info("Mesh service started",
		utils.ZapString("nickname", s.Nickname()),
		utils.ZapString("transport", s.transport.LocalAddr()))
	return nil
}

// Stop halts background work, tears down mesh state, and closes the
// transport
func (s *Service) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	s.runMu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.fragmenter.Stop()
	s.directory.Stop()
	if err := s.transport.Close(); err != nil {
		s.log.Warn("Transport close failed", utils.ZapError(err))
	}
	s.log.Info("Mesh service stopped")
}

// LocalID returns the local peer id
func (s *Service) LocalID() protocol.PeerID {
	return s.localID
}

// Nickname returns the currently announced nickname
func (s *Service) Nickname() string {
	s.nickMu.RLock()
	defer s.nickMu.RUnlock()
	return s.nickname
}

// SetNickname changes the announced nickname and re-announces
func (s *Service) SetNickname(nickname string) error {
	s.nickMu.Lock()
	s.nickname = nickname
	s.nickMu.Unlock()
	return s.Announce()
}

// Directory exposes the peer directory for queries
func (s *Service) Directory() *peer.Directory {
	return s.directory
}

// GetMetrics returns a snapshot of the service counters
func (s *Service) GetMetrics() MetricsSnapshot {
	return s.metrics.GetSnapshot()
}

// SendMessage broadcasts an opaque message payload
func (s *Service) SendMessage(payload []byte) error {
	return s.SendPacket(protocol.NewPacket(protocol.TypeMessage, s.localID, payload))
}

// Announce broadcasts a signed announcement of the local identity
func (s *Service) Announce() error {
	payload, err := s.codec.EncodeAnnounce(s.Nickname())
	if err != nil {
		return fmt.Errorf("encode announce: %w", err)
	}
	if err := s.SendPacket(protocol.NewPacket(protocol.TypeAnnounce, s.localID, payload)); err != nil {
		return err
	}
	s.metrics.IncAnnouncesSent()
	return nil
}

// Leave broadcasts a leave notice. The payload is empty; removal is
// keyed on the sender id alone.
func (s *Service) Leave() error {
	return s.SendPacket(protocol.NewPacket(protocol.TypeLeave, s.localID, nil))
}

// SendPacket fragments the packet if its encoded size is over the
// threshold and hands the results to the transport
func (s *Service) SendPacket(pkt *protocol.Packet) error {
	if pkt == nil {
		return ErrPacketNil
	}
	if !s.isRunning() {
		return ErrNotStarted
	}

	fragments, err := s.fragmenter.Fragment(pkt)
	if err != nil {
		return err
	}
	for _, fragment := range fragments {
		if err := s.transport.Send(fragment); err != nil {
			s.metrics.IncSendErrors()
			return fmt.Errorf("send packet: %w", err)
		}
		s.metrics.IncPacketsSent()
	}
	return nil
}

// DebugDump renders the service state for diagnostics
func (s *Service) DebugDump() string {
	snap := s.metrics.GetSnapshot()
	return fmt.Sprintf("%spending reassemblies: %d\nsent=%d received=%d reassembled=%d dropped=%d\n",
		s.directory.DebugDump(), s.fragmenter.PendingGroups(),
		snap.PacketsSent, snap.PacketsReceived, snap.MessagesReassembled, snap.PacketsDropped)
}

func (s *Service) isRunning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// handleInbound is the transport callback. Panics are contained so a
// bad packet can never take down the read loop.
func (s *Service) handleInbound(pkt *protocol.Packet, fromAddr string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Inbound handler panicked", utils.ZapAny("panic", r))
		}
	}()
	if pkt == nil {
		return
	}
	s.metrics.IncPacketsReceived()

	// our own broadcasts come back on looping topologies
	if pkt.SenderID == s.localID {
		s.metrics.IncPacketsDropped()
		return
	}

	sid := pkt.SenderID.String()
	s.directory.UpdateLastSeen(sid)
	if fromAddr != "" {
		s.directory.SetTransportAddr(sid, fromAddr)
	}
	s.dispatch(pkt, fromAddr, false)
}

// dispatch routes one packet by type. reassembled guards against a
// reassembled packet claiming to be a fragment again.
func (s *Service) dispatch(pkt *protocol.Packet, fromAddr string, reassembled bool) {
	switch pkt.Type {
	case protocol.TypeFragment:
		if reassembled {
			s.metrics.IncPacketsDropped()
			s.log.Warn("Reassembled packet is itself a fragment, dropping",
				utils.ZapString("sender", pkt.SenderID.String()))
			return
		}
		if out := s.fragmenter.AcceptFragment(pkt); out != nil {
			s.dispatch(out, fromAddr, true)
		}
	case protocol.TypeAnnounce:
		s.handleAnnounce(pkt, fromAddr)
	case protocol.TypeLeave:
		s.handleLeave(pkt)
	case protocol.TypeMessage, protocol.TypeNoiseHandshakeInit, protocol.TypeNoiseHandshakeResp, protocol.TypeNoiseEncrypted:
		s.withDelegate("on_message", func(d Delegate) { d.OnMessage(pkt, fromAddr) })
	default:
		s.metrics.IncPacketsDropped()
		s.log.Debug("Dropped packet of unknown type",
			utils.ZapString("type", pkt.Type.String()),
			utils.ZapString("sender", pkt.SenderID.String()))
	}
}

// handleAnnounce feeds an announce packet into the directory and
// answers first contact with our own announce
func (s *Service) handleAnnounce(pkt *protocol.Packet, fromAddr string) {
	s.metrics.IncAnnouncesReceived()

	ann, ok := s.codec.DecodeAnnounce(pkt.Payload)
	if !ok {
		s.metrics.IncPacketsDropped()
		s.log.Debug("Dropped undecodable announce",
			utils.ZapString("sender", pkt.SenderID.String()),
			utils.ZapString("from", fromAddr))
		return
	}
	verified := s.codec.VerifyAnnounce(ann)
	sid := pkt.SenderID.String()

	if verified && len(ann.NoisePublicKey) > 0 {
		s.directory.StoreFingerprint(sid, ann.NoisePublicKey)
	}

	// a full TTL means the packet was not relayed
	direct := pkt.TTL == protocol.DefaultTTL
	firstVerified := s.directory.ApplyAnnounce(sid, ann, verified, direct)
	if firstVerified {
		s.metrics.IncPeersVerified()
		s.withDelegate("on_peer_verified", func(d Delegate) { d.OnPeerVerified(sid, ann.Nickname) })
	}

	if s.directory.MarkAnnouncedTo(sid) {
		if err := s.Announce(); err != nil {
			s.log.Debug("Announce-back failed",
				utils.ZapString("peer_id", sid),
				utils.ZapError(err))
		}
	}
}

// handleLeave removes the sender from the directory
func (s *Service) handleLeave(pkt *protocol.Packet) {
	sid := pkt.SenderID.String()
	if s.directory.Remove(sid) {
		s.log.Debug("Peer left", utils.ZapString("peer_id", sid))
	}
}

// announceLoop re-announces the local identity on a timer
func (s *Service) announceLoop() {
	defer s.wg.Done()

	if err := utils.SleepWithContext(s.ctx, utils.Jitter(initialAnnounceDelay, 0.5)); err != nil {
		return
	}
	if err := s.Announce(); err != nil {
		s.log.Debug("Initial announce failed", utils.ZapError(err))
	}

	ticker := time.NewTicker(s.meshCfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Announce(); err != nil {
				s.log.Debug("Periodic announce failed", utils.ZapError(err))
			}
		}
	}
}

// withDelegate invokes one delegate callback with panic isolation
func (s *Service) withDelegate(op string, fn func(Delegate)) {
	d := s.delegate
	if d == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Delegate panicked",
				utils.ZapString("callback", op),
				utils.ZapAny("panic", r))
		}
	}()
	fn(d)
}

// directoryObserver forwards directory notifications to the delegate
type directoryObserver struct {
	s *Service
}

func (o directoryObserver) PeerListUpdated(activePeerIDs []string) {
	o.s.withDelegate("on_peer_list_updated", func(d Delegate) { d.OnPeerListUpdated(activePeerIDs) })
}

func (o directoryObserver) PeerRemoved(peerID string) {
	o.s.withDelegate("on_peer_removed", func(d Delegate) { d.OnPeerRemoved(peerID) })
}
