package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GreatApe42069/dogechat-android-sub001/pkg/config"
	"github.com/GreatApe42069/dogechat-android-sub001/pkg/protocol"
	"github.com/GreatApe42069/dogechat-android-sub001/pkg/utils"
)

// Fragmenter errors
var (
	ErrPacketNil        = errors.New("packet is nil")
	ErrTooManyFragments = errors.New("payload needs more fragments than the index field can address")
)

// reassemblyGroup holds the in-progress state for one fragment id.
// total, originalType, and the frame fields are captured from the
// first fragment seen and stay authoritative for the group.
type reassemblyGroup struct {
	fragments    map[uint16][]byte
	total        uint16
	originalType protocol.MessageType
	sender       protocol.PeerID
	version      byte
	ttl          byte
	createdAt    time.Time
}

// Fragmenter splits oversized packets into fragment packets and
// reassembles inbound fragments back into originals. One mutex covers
// both the pending groups and the completed-group markers so insert
// and completion are atomic per fragment id; a reassembled packet is
// produced exactly once per group no matter how fragments interleave.
type Fragmenter struct {
	log     *utils.Logger
	cfg     *config.MeshConfig
	metrics *Metrics

	mu        sync.Mutex
	groups    map[string]*reassemblyGroup
	completed map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFragmenter creates a fragmenter. A nil metrics set is replaced
// with a private one.
func NewFragmenter(parentCtx context.Context, cfg *config.MeshConfig, log *utils.Logger, metrics *Metrics) *Fragmenter {
	if cfg == nil {
		cfg = config.DefaultMeshConfig()
	}
	if log == nil {
		log = utils.GetLogger()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	return &Fragmenter{
		log:       log.WithFields(utils.ZapString("subsystem", "fragmenter")),
		cfg:       cfg,
		metrics:   metrics,
		groups:    make(map[string]*reassemblyGroup),
		completed: make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the background sweep of expired reassembly state
func (f *Fragmenter) Start() {
	f.wg.Add(1)
	go f.sweepLoop()
}

// Stop halts background work and drops all reassembly state
func (f *Fragmenter) Stop() {
	f.cancel()
	f.wg.Wait()

	f.mu.Lock()
	f.groups = make(map[string]*reassemblyGroup)
	f.completed = make(map[string]time.Time)
	f.mu.Unlock()
}

// Fragment splits a packet whose encoded size exceeds the threshold
// into fragment packets, each carrying at most MaxFragmentSize payload
// bytes in payload-offset order under a fresh random fragment id.
// Packets at or under the threshold, and packets that already are
// fragments, come back unchanged as a single-element slice.
func (f *Fragmenter) Fragment(pkt *protocol.Packet) ([]*protocol.Packet, error) {
	if pkt == nil {
		return nil, ErrPacketNil
	}
	if pkt.EncodedSize() <= f.cfg.FragmentThreshold || pkt.Type == protocol.TypeFragment {
		return []*protocol.Packet{pkt}, nil
	}

	maxData := f.cfg.MaxFragmentSize
	total := (len(pkt.Payload) + maxData - 1) / maxData
	if total == 0 {
		// an empty payload over the threshold still travels as one
		// empty-data fragment rather than vanishing
		total = 1
	}
	if total > 0xffff {
		return nil, fmt.Errorf("%w: %d", ErrTooManyFragments, total)
	}

	fragID, err := protocol.RandomFragmentID()
	if err != nil {
		return nil, err
	}

	fragments := make([]*protocol.Packet, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxData
		end := start + maxData
		if end > len(pkt.Payload) {
			end = len(pkt.Payload)
		}
		fp := &protocol.FragmentPayload{
			FragmentID:   fragID,
			Index:        uint16(i),
			Total:        uint16(total),
			OriginalType: pkt.Type,
			Data:         pkt.Payload[start:end],
		}
		fragments = append(fragments, &protocol.Packet{
			Version:  pkt.Version,
			Type:     protocol.TypeFragment,
			TTL:      pkt.TTL,
			SenderID: pkt.SenderID,
			Payload:  fp.Encode(),
		})
	}

	f.metrics.AddFragmentsCreated(total)
	f.log.Debug("Packet fragmented",
		utils.ZapString("fragment_id", fragID.GroupKey()),
		utils.ZapInt("fragments", total),
		utils.ZapInt("payload_bytes", len(pkt.Payload)),
		utils.ZapString("original_type", pkt.Type.String()))
	return fragments, nil
}

// AcceptFragment feeds one inbound fragment packet into reassembly.
// Returns the reassembled original packet when this fragment completes
// its group, nil otherwise. Malformed fragments, fragments for
// already-completed groups, and fragments inconsistent with the
// group's captured metadata are dropped without error.
func (f *Fragmenter) AcceptFragment(pkt *protocol.Packet) *protocol.Packet {
	if pkt == nil || pkt.Type != protocol.TypeFragment {
		return nil
	}
	f.metrics.IncFragmentsReceived()

	fp, err := protocol.DecodeFragmentPayload(pkt.Payload)
	if err != nil {
		f.metrics.IncFragmentsDropped()
		f.log.Debug("Dropped malformed fragment",
			utils.ZapString("sender", pkt.SenderID.String()),
			utils.ZapError(err))
		return nil
	}
	key := fp.FragmentID.GroupKey()
	now := time.Now()

	f.mu.Lock()

	if _, done := f.completed[key]; done {
		f.mu.Unlock()
		f.metrics.IncFragmentsDropped()
		return nil
	}

	group, exists := f.groups[key]
	if !exists {
		if evicted := f.evictOldestLocked(); evicted != "" {
			f.log.Warn("Reassembly table full, evicted oldest group",
				utils.ZapString("fragment_id", evicted))
		}
		group = &reassemblyGroup{
			fragments:    make(map[uint16][]byte),
			total:        fp.Total,
			originalType: fp.OriginalType,
			sender:       pkt.SenderID,
			version:      pkt.Version,
			ttl:          pkt.TTL,
			createdAt:    now,
		}
		f.groups[key] = group
	}

	if fp.Total != group.total || fp.Index >= group.total {
		f.mu.Unlock()
		f.metrics.IncFragmentsDropped()
		f.log.Debug("Dropped fragment inconsistent with its group",
			utils.ZapString("fragment_id", key),
			utils.ZapInt("index", int(fp.Index)),
			utils.ZapInt("claimed_total", int(fp.Total)),
			utils.ZapInt("group_total", int(group.total)))
		return nil
	}

	// re-receiving an index overwrites; completion counts distinct
	// indexes held
	group.fragments[fp.Index] = fp.Data

	if len(group.fragments) < int(group.total) {
		f.mu.Unlock()
		return nil
	}

	// complete: every index 0..total-1 is present
	size := 0
	for _, data := range group.fragments {
		size += len(data)
	}
	payload := make([]byte, 0, size)
	for i := uint16(0); i < group.total; i++ {
		payload = append(payload, group.fragments[i]...)
	}
	delete(f.groups, key)
	f.completed[key] = now

	reassembled := &protocol.Packet{
		Version:  group.version,
		Type:     group.originalType,
		TTL:      group.ttl,
		SenderID: group.sender,
		Payload:  payload,
	}
	f.mu.Unlock()

	f.metrics.IncMessagesReassembled()
	f.log.Debug("Packet reassembled",
		utils.ZapString("fragment_id", key),
		utils.ZapInt("fragments", int(group.total)),
		utils.ZapInt("payload_bytes", len(payload)),
		utils.ZapString("original_type", reassembled.Type.String()))
	return reassembled
}

// PendingGroups returns the number of in-progress reassemblies
func (f *Fragmenter) PendingGroups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.groups)
}

// CompletedMarkers returns the number of completed-group markers not
// yet pruned
func (f *Fragmenter) CompletedMarkers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completed)
}

// sweepLoop prunes expired reassembly state on a timer
func (f *Fragmenter) sweepLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.FragmentSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.runSweep()
		}
	}
}

// runSweep executes one sweep iteration, containing panics so the
// loop survives
func (f *Fragmenter) runSweep() {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("Fragment sweep panicked", utils.ZapAny("panic", r))
		}
	}()
	f.sweepExpired()
}

// sweepExpired drops incomplete groups older than the reassembly
// timeout and prunes completed-group markers of the same age. Returns
// the counts removed.
func (f *Fragmenter) sweepExpired() (expired, pruned int) {
	now := time.Now()

	f.mu.Lock()
	for key, group := range f.groups {
		if now.Sub(group.createdAt) > f.cfg.ReassemblyTimeout {
			delete(f.groups, key)
			expired++
		}
	}
	for key, doneAt := range f.completed {
		if now.Sub(doneAt) > f.cfg.ReassemblyTimeout {
			delete(f.completed, key)
			pruned++
		}
	}
	f.mu.Unlock()

	if expired > 0 {
		f.metrics.AddReassembliesExpired(expired)
		f.log.Debug("Expired incomplete reassemblies",
			utils.ZapInt("expired", expired),
			utils.ZapInt("markers_pruned", pruned))
	}
	return expired, pruned
}

// evictOldestLocked makes room for a new group when the table is at
// capacity. Caller holds f.mu. Returns the evicted key or "".
func (f *Fragmenter) evictOldestLocked() string {
	if len(f.groups) < f.cfg.MaxPendingGroups {
		return ""
	}
	victim := ""
	var oldest time.Time
	for key, group := range f.groups {
		if victim == "" || group.createdAt.Before(oldest) {
			victim = key
			oldest = group.createdAt
		}
	}
	if victim != "" {
		delete(f.groups, victim)
		f.metrics.AddReassembliesExpired(1)
	}
	return victim
}
