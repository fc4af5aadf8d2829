package peer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GreatApe42069/dogechat-android-sub001/pkg/config"
	"github.com/GreatApe42069/dogechat-android-sub001/pkg/utils"
)

// Announcement is the decoded content of a peer's announce packet.
// Signature covers the key and nickname fields; the directory stores
// the rest and leaves verification to the codec.
type Announcement struct {
	Nickname         string
	NoisePublicKey   []byte
	SigningPublicKey []byte
	Signature        []byte
}

// Record is a point-in-time snapshot of one tracked peer
type Record struct {
	ID               string
	Nickname         string
	NoisePublicKey   []byte
	SigningPublicKey []byte
	Verified         bool
	Connected        bool
	Direct           bool
	FirstSeen        time.Time
	LastSeen         time.Time
}

// record is the mutable directory entry behind Record snapshots
type record struct {
	nickname         string
	noisePublicKey   []byte
	signingPublicKey []byte
	verified         bool
	connected        bool
	direct           bool
	firstSeen        time.Time
	lastSeen         time.Time
}

// Observer receives directory change notifications. Calls are
// synchronous and never made while directory locks are held; a
// panicking observer is isolated and cannot corrupt directory state.
type Observer interface {
	// PeerListUpdated carries the full sorted active peer id list
	PeerListUpdated(activePeerIDs []string)

	// PeerRemoved fires once per removed peer id
	PeerRemoved(peerID string)
}

// Directory is the authoritative in-memory table of peers seen on the
// mesh. It tracks announcement state, verification, liveness, and
// radio signal strength, prunes stale entries on a timer, and keeps
// the fingerprint registry in sync on removals.
type Directory struct {
	log      *utils.Logger
	cfg      *config.MeshConfig
	registry Registry

	mu          sync.RWMutex
	records     map[string]*record
	rssi        map[string]int
	addrs       map[string]string
	announcedTo map[string]bool
	observer    Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDirectory creates a peer directory. The registry may be nil when
// fingerprint tracking is not wired in.
func NewDirectory(parentCtx context.Context, cfg *config.MeshConfig, log *utils.Logger, registry Registry) *Directory {
	if cfg == nil {
		cfg = config.DefaultMeshConfig()
	}
	if log == nil {
		log = utils.GetLogger()
	}
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	d := &Directory{
		log:         log.WithFields(utils.ZapString("subsystem", "peer_directory")),
		cfg:         cfg,
		registry:    registry,
		records:     make(map[string]*record),
		rssi:        make(map[string]int),
		addrs:       make(map[string]string),
		announcedTo: make(map[string]bool),
		ctx:         ctx,
		cancel:      cancel,
	}

	d.log.Info("Peer directory initialized",
		utils.ZapDuration("stale_timeout", cfg.StalePeerTimeout),
		utils.ZapDuration("sweep_interval", cfg.PeerSweepInterval),
		utils.ZapDuration("recent_seen_window", cfg.RecentSeenWindow),
		utils.ZapInt("max_tracked", cfg.MaxTrackedPeers))
	return d
}

// SetObserver registers the single notification observer, replacing
// any previous one
func (d *Directory) SetObserver(obs Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observer = obs
}

// Start launches the background stale-peer sweep
func (d *Directory) Start() {
	d.wg.Add(1)
	go d.sweepLoop()
}

// Stop halts background work and clears all directory state
func (d *Directory) Stop() {
	d.cancel()
	d.wg.Wait()

	d.mu.Lock()
	d.records = make(map[string]*record)
	d.rssi = make(map[string]int)
	d.addrs = make(map[string]string)
	d.announcedTo = make(map[string]bool)
	d.mu.Unlock()

	d.log.Info("Peer directory stopped")
}

// ApplyAnnounce upserts the record for id from a decoded announcement.
// verified marks whether the announcement's signature checked out;
// direct marks whether it arrived on a direct link rather than via
// relay. Returns true exactly when this call moved the peer into the
// verified state for the first time.
func (d *Directory) ApplyAnnounce(id string, ann Announcement, verified, direct bool) bool {
	if id == "" {
		return false
	}
	now := time.Now()

	d.mu.Lock()

	removed := d.sweepNicknameConflictsLocked(id, ann.Nickname, now)

	rec, exists := d.records[id]
	created := false
	wasActive := false
	nicknameChanged := false
	firstVerified := false

	if !exists {
		if evicted := d.evictIfFullLocked(now); evicted != "" {
			removed = append(removed, evicted)
		}
		rec = &record{firstSeen: now}
		d.records[id] = rec
		created = true
	} else {
		wasActive = d.isActiveLocked(rec, now)
		nicknameChanged = rec.nickname != ann.Nickname
	}

	rec.nickname = ann.Nickname
	rec.connected = true
	rec.direct = direct
	rec.lastSeen = now
	// key material is only stored from announcements whose signature
	// checked out; an unverified re-announce must not touch the keys
	// bound to a verified record
	if verified {
		rec.noisePublicKey = copyBytes(ann.NoisePublicKey)
		rec.signingPublicKey = copyBytes(ann.SigningPublicKey)
		if !rec.verified {
			rec.verified = true
			firstVerified = true
		}
	}

	listChanged := created || !wasActive || nicknameChanged || firstVerified || len(removed) > 0
	obs, active := d.snapshotForNotifyLocked(listChanged, now)
	d.mu.Unlock()

	d.finishRemovals(removed)
	if created {
		d.log.Debug("Peer announced",
			utils.ZapString("peer_id", id),
			utils.ZapString("nickname", ann.Nickname),
			utils.ZapBool("verified", verified),
			utils.ZapBool("direct", direct))
	}
	if firstVerified {
		d.log.Info("Peer verified",
			utils.ZapString("peer_id", id),
			utils.ZapString("nickname", ann.Nickname))
	}
	d.notifyRemoved(obs, removed)
	if listChanged {
		d.notifyListUpdated(obs, active)
	}
	return firstVerified
}

// UpdateLastSeen refreshes the liveness timestamp for id. Unknown ids
// are ignored; only an announcement can create a record.
func (d *Directory) UpdateLastSeen(id string) {
	now := time.Now()

	d.mu.Lock()
	rec, ok := d.records[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	wasActive := d.isActiveLocked(rec, now)
	rec.lastSeen = now
	listChanged := !wasActive && d.isActiveLocked(rec, now)
	obs, active := d.snapshotForNotifyLocked(listChanged, now)
	d.mu.Unlock()

	if listChanged {
		d.notifyListUpdated(obs, active)
	}
}

// MarkConnected flags an existing peer as having a live link
func (d *Directory) MarkConnected(id string) {
	d.setConnected(id, true)
}

// MarkDisconnected clears the live-link flag. The record is retained
// until the stale sweep collects it.
func (d *Directory) MarkDisconnected(id string) {
	d.setConnected(id, false)
}

func (d *Directory) setConnected(id string, connected bool) {
	now := time.Now()

	d.mu.Lock()
	rec, ok := d.records[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	wasActive := d.isActiveLocked(rec, now)
	rec.connected = connected
	if connected {
		rec.lastSeen = now
	}
	listChanged := wasActive != d.isActiveLocked(rec, now)
	obs, active := d.snapshotForNotifyLocked(listChanged, now)
	d.mu.Unlock()

	if listChanged {
		d.notifyListUpdated(obs, active)
	}
}

// Remove deletes a peer and all its side state, returning whether a
// record existed. Fires peer-removed and peer-list-updated and drops
// the peer's fingerprint mapping.
func (d *Directory) Remove(id string) bool {
	now := time.Now()

	d.mu.Lock()
	if _, ok := d.records[id]; !ok {
		d.mu.Unlock()
		return false
	}
	d.deleteLocked(id)
	obs, active := d.snapshotForNotifyLocked(true, now)
	d.mu.Unlock()

	d.finishRemovals([]string{id})
	d.notifyRemoved(obs, []string{id})
	d.notifyListUpdated(obs, active)
	return true
}

// SetRSSI records the latest signal strength reading for a peer.
// Readings may arrive before the peer announces; orphaned entries are
// pruned by the sweep.
func (d *Directory) SetRSSI(id string, rssi int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rssi[id] = rssi
}

// RSSI returns the last recorded signal strength for a peer
func (d *Directory) RSSI(id string) (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.rssi[id]
	return v, ok
}

// SetTransportAddr records the lower-layer address a peer was last
// heard on
func (d *Directory) SetTransportAddr(id, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs[id] = addr
}

// MarkAnnouncedTo records that the local node sent its announcement to
// id, returning true only the first time
func (d *Directory) MarkAnnouncedTo(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.announcedTo[id] {
		return false
	}
	d.announcedTo[id] = true
	return true
}

// HasAnnouncedTo reports whether the local node already announced to id
func (d *Directory) HasAnnouncedTo(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.announcedTo[id]
}

// Get returns a snapshot of one peer record
func (d *Directory) Get(id string) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[id]
	if !ok {
		return Record{}, false
	}
	return d.snapshotLocked(id, rec), true
}

// IsVerified reports whether id has passed announcement verification
func (d *Directory) IsVerified(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[id]
	return ok && rec.verified
}

// Nickname returns the announced nickname for id
func (d *Directory) Nickname(id string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[id]
	if !ok {
		return "", false
	}
	return rec.nickname, true
}

// VerifiedPeers returns the sorted ids of all verified peers
func (d *Directory) VerifiedPeers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.records))
	for id, rec := range d.records {
		if rec.verified {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ActivePeerIDs returns the sorted ids of peers that are connected and
// were seen within the stale timeout. The same predicate drives the
// background sweep.
func (d *Directory) ActivePeerIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.activeIDsLocked(time.Now())
}

// ActiveCount returns the number of active peers
func (d *Directory) ActiveCount() int {
	now := time.Now()
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	for _, rec := range d.records {
		if d.isActiveLocked(rec, now) {
			count++
		}
	}
	return count
}

// Count returns the number of tracked peers, active or not
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}

// Snapshot returns copies of every tracked record, sorted by id
func (d *Directory) Snapshot() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Record, 0, len(d.records))
	for id, rec := range d.records {
		out = append(out, d.snapshotLocked(id, rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StoreFingerprint records the fingerprint derived from publicKey
// under id and returns it
func (d *Directory) StoreFingerprint(id string, publicKey []byte) string {
	if d.registry == nil {
		return Fingerprint(publicKey)
	}
	return d.registry.Store(id, publicKey)
}

// RemapFingerprint moves a fingerprint binding from oldID to newID,
// for peers that rotate their ephemeral id mid-session
func (d *Directory) RemapFingerprint(oldID, newID string) {
	if d.registry == nil {
		return
	}
	d.registry.Remap(oldID, newID)
}

// FingerprintOf delegates to the attached registry
func (d *Directory) FingerprintOf(id string) (string, bool) {
	if d.registry == nil {
		return "", false
	}
	return d.registry.FingerprintOf(id)
}

// PeerIDOf resolves the peer currently holding fingerprint
func (d *Directory) PeerIDOf(fingerprint string) (string, bool) {
	if d.registry == nil {
		return "", false
	}
	return d.registry.PeerOf(fingerprint)
}

// HasFingerprint reports whether id has a fingerprint binding
func (d *Directory) HasFingerprint(id string) bool {
	if d.registry == nil {
		return false
	}
	return d.registry.Has(id)
}

// DebugDump renders the directory state for diagnostics, correlating
// peer ids with transport addresses
func (d *Directory) DebugDump() string {
	now := time.Now()
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.records))
	for id := range d.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "peer directory: %d tracked, %d active\n", len(d.records), len(d.activeIDsLocked(now)))
	for _, id := range ids {
		rec := d.records[id]
		addr := d.addrs[id]
		if addr == "" {
			addr = "-"
		}
		rssi, hasRSSI := d.rssi[id]
		rssiStr := "-"
		if hasRSSI {
			rssiStr = fmt.Sprintf("%d", rssi)
		}
		fmt.Fprintf(&b, "  %s nick=%q verified=%t connected=%t direct=%t seen=%s ago rssi=%s addr=%s\n",
			id, rec.nickname, rec.verified, rec.connected, rec.direct,
			now.Sub(rec.lastSeen).Truncate(time.Millisecond), rssiStr, addr)
	}
	return b.String()
}

// sweepLoop prunes stale peers on a timer until the context ends
func (d *Directory) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PeerSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runSweep()
		}
	}
}

// runSweep executes one sweep iteration. A panic in observer-free
// bookkeeping is contained so the loop survives.
func (d *Directory) runSweep() {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Peer sweep panicked", utils.ZapAny("panic", r))
		}
	}()
	d.sweepStale()
}

// sweepStale removes every peer failing the active test and prunes
// orphaned side-table entries. Returns the removed ids.
func (d *Directory) sweepStale() []string {
	now := time.Now()

	d.mu.Lock()
	var removed []string
	for id, rec := range d.records {
		if !d.isActiveLocked(rec, now) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		d.deleteLocked(id)
	}
	for id := range d.rssi {
		if _, ok := d.records[id]; !ok {
			delete(d.rssi, id)
		}
	}
	for id := range d.addrs {
		if _, ok := d.records[id]; !ok {
			delete(d.addrs, id)
		}
	}
	sort.Strings(removed)
	obs, active := d.snapshotForNotifyLocked(len(removed) > 0, now)
	d.mu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	d.log.Debug("Stale peer sweep", utils.ZapInt("removed", len(removed)))
	d.finishRemovals(removed)
	d.notifyRemoved(obs, removed)
	d.notifyListUpdated(obs, active)
	return removed
}

// sweepNicknameConflictsLocked removes records holding the same
// nickname under a different id unless they were seen within the
// recent-seen grace window. Caller holds d.mu.
func (d *Directory) sweepNicknameConflictsLocked(id, nickname string, now time.Time) []string {
	if nickname == "" {
		return nil
	}
	var removed []string
	for otherID, rec := range d.records {
		if otherID == id || rec.nickname != nickname {
			continue
		}
		if now.Sub(rec.lastSeen) <= d.cfg.RecentSeenWindow {
			continue
		}
		removed = append(removed, otherID)
	}
	for _, otherID := range removed {
		d.deleteLocked(otherID)
		d.log.Debug("Removed stale peer with conflicting nickname",
			utils.ZapString("stale_peer_id", otherID),
			utils.ZapString("nickname", nickname),
			utils.ZapString("new_peer_id", id))
	}
	sort.Strings(removed)
	return removed
}

// evictIfFullLocked makes room for one new record when the directory
// is at capacity by dropping the longest-unseen peer. Caller holds
// d.mu. Returns the evicted id or "".
func (d *Directory) evictIfFullLocked(now time.Time) string {
	if len(d.records) < d.cfg.MaxTrackedPeers {
		return ""
	}
	victim := ""
	var oldest time.Time
	for id, rec := range d.records {
		if victim == "" || rec.lastSeen.Before(oldest) {
			victim = id
			oldest = rec.lastSeen
		}
	}
	if victim != "" {
		d.deleteLocked(victim)
		d.log.Warn("Peer directory full, evicted longest-unseen peer",
			utils.ZapString("peer_id", victim),
			utils.ZapInt("max_tracked", d.cfg.MaxTrackedPeers))
	}
	return victim
}

// deleteLocked drops a record and its side state. Caller holds d.mu
// and is responsible for registry cleanup and notifications.
func (d *Directory) deleteLocked(id string) {
	delete(d.records, id)
	delete(d.rssi, id)
	delete(d.addrs, id)
	delete(d.announcedTo, id)
}

// isActiveLocked is the single liveness predicate shared by the
// active-peer queries and the stale sweep
func (d *Directory) isActiveLocked(rec *record, now time.Time) bool {
	return rec.connected && now.Sub(rec.lastSeen) <= d.cfg.StalePeerTimeout
}

func (d *Directory) activeIDsLocked(now time.Time) []string {
	ids := make([]string, 0, len(d.records))
	for id, rec := range d.records {
		if d.isActiveLocked(rec, now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (d *Directory) snapshotLocked(id string, rec *record) Record {
	return Record{
		ID:               id,
		Nickname:         rec.nickname,
		NoisePublicKey:   copyBytes(rec.noisePublicKey),
		SigningPublicKey: copyBytes(rec.signingPublicKey),
		Verified:         rec.verified,
		Connected:        rec.connected,
		Direct:           rec.direct,
		FirstSeen:        rec.firstSeen,
		LastSeen:         rec.lastSeen,
	}
}

// snapshotForNotifyLocked captures the observer and, when the list
// changed, the active ids while still holding d.mu
func (d *Directory) snapshotForNotifyLocked(listChanged bool, now time.Time) (Observer, []string) {
	obs := d.observer
	if !listChanged {
		return obs, nil
	}
	return obs, d.activeIDsLocked(now)
}

// finishRemovals runs post-removal cleanup that must happen outside
// the directory lock
func (d *Directory) finishRemovals(ids []string) {
	if d.registry == nil {
		return
	}
	for _, id := range ids {
		d.registry.Remove(id)
	}
}

func (d *Directory) notifyRemoved(obs Observer, ids []string) {
	if obs == nil {
		return
	}
	for _, id := range ids {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("Peer observer panicked in PeerRemoved",
						utils.ZapString("peer_id", id),
						utils.ZapAny("panic", r))
				}
			}()
			obs.PeerRemoved(id)
		}()
	}
}

func (d *Directory) notifyListUpdated(obs Observer, active []string) {
	if obs == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Peer observer panicked in PeerListUpdated",
				utils.ZapAny("panic", r))
		}
	}()
	obs.PeerListUpdated(active)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
