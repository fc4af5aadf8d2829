package mesh

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GreatApe42069/dogechat-android-sub001/pkg/config"
	"github.com/GreatApe42069/dogechat-android-sub001/pkg/protocol"
	"github.com/GreatApe42069/dogechat-android-sub001/pkg/utils"
)

var testSender = protocol.PeerID{0x0d, 0x0e, 0x0c, 0x0a, 0x0f, 0x0e, 0x0e, 0x01}

func newTestFragmenter(t *testing.T) *Fragmenter {
	t.Helper()
	return NewFragmenter(nil, config.DefaultMeshConfig(), utils.CreateTestLogger(), NewMetrics())
}

func patternPayload(n int) []byte {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	return payload
}

// fragPacket builds a fragment packet by hand for adversarial cases
func fragPacket(fid protocol.FragmentID, index, total uint16, origType protocol.MessageType, data []byte) *protocol.Packet {
	fp := &protocol.FragmentPayload{
		FragmentID:   fid,
		Index:        index,
		Total:        total,
		OriginalType: origType,
		Data:         data,
	}
	return &protocol.Packet{
		Version:  protocol.ProtocolVersion,
		Type:     protocol.TypeFragment,
		TTL:      protocol.DefaultTTL,
		SenderID: testSender,
		Payload:  fp.Encode(),
	}
}

func TestSmallPacketPassesThroughUnchanged(t *testing.T) {
	f := newTestFragmenter(t)
	pkt := protocol.NewPacket(protocol.TypeMessage, testSender, []byte("short"))

	out, err := f.Fragment(pkt)
	if err != nil {
		t.Fatalf("fragment failed: %v", err)
	}
	if len(out) != 1 || out[0] != pkt {
		t.Fatal("small packet must come back unchanged")
	}
}

func TestPacketAtThresholdPassesThrough(t *testing.T) {
	f := newTestFragmenter(t)

	atThreshold := protocol.NewPacket(protocol.TypeMessage, testSender,
		patternPayload(config.DefaultFragmentThreshold-protocol.HeaderSize))
	if atThreshold.EncodedSize() != config.DefaultFragmentThreshold {
		t.Fatalf("test setup: encoded size %d, want %d", atThreshold.EncodedSize(), config.DefaultFragmentThreshold)
	}
	out, err := f.Fragment(atThreshold)
	if err != nil {
		t.Fatalf("fragment failed: %v", err)
	}
	if len(out) != 1 || out[0] != atThreshold {
		t.Fatal("packet exactly at the threshold must come back unchanged")
	}

	oneOver := protocol.NewPacket(protocol.TypeMessage, testSender,
		patternPayload(config.DefaultFragmentThreshold-protocol.HeaderSize+1))
	out, err = f.Fragment(oneOver)
	if err != nil {
		t.Fatalf("fragment failed: %v", err)
	}
	if len(out) < 2 {
		t.Fatalf("packet one byte over the threshold must split, got %d", len(out))
	}
}

func TestEmptyPayloadOverThresholdStillTravels(t *testing.T) {
	// a threshold under the frame header size pushes even empty
	// packets into the split path
	cfg := config.DefaultMeshConfig()
	cfg.FragmentThreshold = 10
	cfg.MaxFragmentSize = 5
	f := NewFragmenter(nil, cfg, utils.CreateTestLogger(), NewMetrics())

	pkt := protocol.NewPacket(protocol.TypeMessage, testSender, nil)
	if pkt.EncodedSize() <= cfg.FragmentThreshold {
		t.Fatalf("test setup: encoded size %d should exceed threshold %d", pkt.EncodedSize(), cfg.FragmentThreshold)
	}

	out, err := f.Fragment(pkt)
	if err != nil {
		t.Fatalf("fragment failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("empty payload should travel as one fragment, got %d", len(out))
	}

	fp, err := protocol.DecodeFragmentPayload(out[0].Payload)
	if err != nil {
		t.Fatalf("fragment payload does not decode: %v", err)
	}
	if fp.Index != 0 || fp.Total != 1 || len(fp.Data) != 0 {
		t.Fatalf("want one empty-data fragment, got index=%d total=%d data=%d bytes", fp.Index, fp.Total, len(fp.Data))
	}

	got := f.AcceptFragment(out[0])
	if got == nil {
		t.Fatal("a single-fragment group should reassemble immediately")
	}
	if got.Type != protocol.TypeMessage || len(got.Payload) != 0 {
		t.Fatalf("reassembled type %v with %d payload bytes, want an empty message", got.Type, len(got.Payload))
	}
}

func TestFragmentTypePacketNeverRefragmented(t *testing.T) {
	f := newTestFragmenter(t)
	pkt := &protocol.Packet{
		Version:  protocol.ProtocolVersion,
		Type:     protocol.TypeFragment,
		TTL:      protocol.DefaultTTL,
		SenderID: testSender,
		Payload:  patternPayload(2000),
	}

	out, err := f.Fragment(pkt)
	if err != nil {
		t.Fatalf("fragment failed: %v", err)
	}
	if len(out) != 1 || out[0] != pkt {
		t.Fatal("fragment packets must never be fragmented again")
	}
}

func TestFragmentSplitsInPayloadOffsetOrder(t *testing.T) {
	f := newTestFragmenter(t)
	payload := patternPayload(1500)
	pkt := protocol.NewPacket(protocol.TypeMessage, testSender, payload)

	out, err := f.Fragment(pkt)
	if err != nil {
		t.Fatalf("fragment failed: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("1500-byte payload should split into 4 fragments, got %d", len(out))
	}

	wantSizes := []int{469, 469, 469, 93}
	var firstID protocol.FragmentID
	offset := 0
	for i, fragment := range out {
		if fragment.Type != protocol.TypeFragment {
			t.Fatalf("fragment %d has type %v", i, fragment.Type)
		}
		if fragment.SenderID != testSender {
			t.Fatalf("fragment %d lost the sender id", i)
		}
		if fragment.EncodedSize() > config.DefaultFragmentThreshold {
			t.Fatalf("fragment %d encodes to %d bytes, over the threshold", i, fragment.EncodedSize())
		}

		fp, err := protocol.DecodeFragmentPayload(fragment.Payload)
		if err != nil {
			t.Fatalf("fragment %d payload does not decode: %v", i, err)
		}
		if i == 0 {
			firstID = fp.FragmentID
		} else if fp.FragmentID != firstID {
			t.Fatalf("fragment %d carries a different fragment id", i)
		}
		if fp.Index != uint16(i) {
			t.Fatalf("fragment %d has index %d", i, fp.Index)
		}
		if fp.Total != 4 {
			t.Fatalf("fragment %d has total %d", i, fp.Total)
		}
		if fp.OriginalType != protocol.TypeMessage {
			t.Fatalf("fragment %d has original type %v", i, fp.OriginalType)
		}
		if len(fp.Data) != wantSizes[i] {
			t.Fatalf("fragment %d carries %d bytes, want %d", i, len(fp.Data), wantSizes[i])
		}
		if !bytes.Equal(fp.Data, payload[offset:offset+wantSizes[i]]) {
			t.Fatalf("fragment %d data is not the payload slice at offset %d", i, offset)
		}
		offset += wantSizes[i]
	}

	if got := f.metrics.GetSnapshot().FragmentsCreated; got != 4 {
		t.Fatalf("expected 4 fragments counted, got %d", got)
	}
}

func TestFreshFragmentIDPerRun(t *testing.T) {
	f := newTestFragmenter(t)
	pkt := protocol.NewPacket(protocol.TypeMessage, testSender, patternPayload(1000))

	first, err := f.Fragment(pkt)
	if err != nil {
		t.Fatalf("fragment failed: %v", err)
	}
	second, err := f.Fragment(pkt)
	if err != nil {
		t.Fatalf("fragment failed: %v", err)
	}

	fpA, _ := protocol.DecodeFragmentPayload(first[0].Payload)
	fpB, _ := protocol.DecodeFragmentPayload(second[0].Payload)
	if fpA.FragmentID == fpB.FragmentID {
		t.Fatal("each fragmentation run must draw a fresh fragment id")
	}
}

func TestReassemblyInOrder(t *testing.T) {
	f := newTestFragmenter(t)
	payload := patternPayload(1500)
	pkt := protocol.NewPacket(protocol.TypeMessage, testSender, payload)

	fragments, err := f.Fragment(pkt)
	if err != nil {
		t.Fatalf("fragment failed: %v", err)
	}

	for i, fragment := range fragments[:len(fragments)-1] {
		if got := f.AcceptFragment(fragment); got != nil {
			t.Fatalf("fragment %d completed the group early", i)
		}
	}
	got := f.AcceptFragment(fragments[len(fragments)-1])
	if got == nil {
		t.Fatal("last fragment should complete the group")
	}
	if got.Type != protocol.TypeMessage {
		t.Fatalf("reassembled type %v, want message", got.Type)
	}
	if got.SenderID != testSender {
		t.Fatal("reassembled packet lost the sender id")
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatal("reassembled payload differs from the original")
	}
	if f.PendingGroups() != 0 {
		t.Fatalf("expected no pending groups, got %d", f.PendingGroups())
	}
	if f.CompletedMarkers() != 1 {
		t.Fatalf("expected 1 completed marker, got %d", f.CompletedMarkers())
	}
}

func TestReassemblyOutOfOrder(t *testing.T) {
	f := newTestFragmenter(t)
	payload := patternPayload(1500)
	pkt := protocol.NewPacket(protocol.TypeMessage, testSender, payload)

	fragments, err := f.Fragment(pkt)
	if err != nil {
		t.Fatalf("fragment failed: %v", err)
	}

	var got *protocol.Packet
	for _, i := range []int{2, 0, 3, 1} {
		if got != nil {
			t.Fatal("group completed before all fragments arrived")
		}
		got = f.AcceptFragment(fragments[i])
	}
	if got == nil {
		t.Fatal("out-of-order delivery should still complete the group")
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatal("out-of-order reassembly corrupted the payload")
	}
}

func TestDuplicateIndexOverwrites(t *testing.T) {
	f := newTestFragmenter(t)
	fid := protocol.FragmentID{9, 9, 9, 9, 9, 9, 9, 1}

	if got := f.AcceptFragment(fragPacket(fid, 0, 2, protocol.TypeMessage, []byte("AAAA"))); got != nil {
		t.Fatal("first fragment must not complete a 2-fragment group")
	}
	// same index again with different content: overwrite, no error,
	// still incomplete
	if got := f.AcceptFragment(fragPacket(fid, 0, 2, protocol.TypeMessage, []byte("BBBB"))); got != nil {
		t.Fatal("duplicate index must not complete the group")
	}

	got := f.AcceptFragment(fragPacket(fid, 1, 2, protocol.TypeMessage, []byte("CC")))
	if got == nil {
		t.Fatal("distinct indexes should complete the group")
	}
	if !bytes.Equal(got.Payload, []byte("BBBBCC")) {
		t.Fatalf("last write should win, got %q", got.Payload)
	}
}

func TestCompletedGroupDropsLateFragments(t *testing.T) {
	f := newTestFragmenter(t)
	pkt := protocol.NewPacket(protocol.TypeMessage, testSender, patternPayload(1000))

	fragments, err := f.Fragment(pkt)
	if err != nil {
		t.Fatalf("fragment failed: %v", err)
	}
	for _, fragment := range fragments {
		f.AcceptFragment(fragment)
	}
	if f.CompletedMarkers() != 1 {
		t.Fatalf("expected 1 completed marker, got %d", f.CompletedMarkers())
	}

	// a relayed duplicate arrives after completion
	if got := f.AcceptFragment(fragments[0]); got != nil {
		t.Fatal("fragments of a completed group must be dropped")
	}
	if f.PendingGroups() != 0 {
		t.Fatal("late fragment must not reopen the group")
	}

	snap := f.metrics.GetSnapshot()
	if snap.MessagesReassembled != 1 {
		t.Fatalf("expected exactly 1 reassembly, got %d", snap.MessagesReassembled)
	}
}

func TestMalformedFragmentDropped(t *testing.T) {
	f := newTestFragmenter(t)
	pkt := &protocol.Packet{
		Version:  protocol.ProtocolVersion,
		Type:     protocol.TypeFragment,
		TTL:      protocol.DefaultTTL,
		SenderID: testSender,
		Payload:  []byte{1, 2, 3}, // under the fragment header size
	}

	if got := f.AcceptFragment(pkt); got != nil {
		t.Fatal("malformed fragment must not produce a packet")
	}
	if f.PendingGroups() != 0 {
		t.Fatal("malformed fragment must not create a group")
	}
	if f.metrics.GetSnapshot().FragmentsDropped != 1 {
		t.Fatal("drop should be counted")
	}
}

func TestInconsistentTotalDropped(t *testing.T) {
	f := newTestFragmenter(t)
	fid := protocol.FragmentID{9, 9, 9, 9, 9, 9, 9, 2}

	f.AcceptFragment(fragPacket(fid, 0, 3, protocol.TypeMessage, []byte("aa")))

	// same group id claiming a different total
	if got := f.AcceptFragment(fragPacket(fid, 1, 5, protocol.TypeMessage, []byte("bb"))); got != nil {
		t.Fatal("inconsistent fragment must not complete anything")
	}

	// the group still completes under its captured total
	f.AcceptFragment(fragPacket(fid, 1, 3, protocol.TypeMessage, []byte("bb")))
	got := f.AcceptFragment(fragPacket(fid, 2, 3, protocol.TypeMessage, []byte("cc")))
	if got == nil {
		t.Fatal("group should complete with its captured total")
	}
	if !bytes.Equal(got.Payload, []byte("aabbcc")) {
		t.Fatalf("unexpected payload %q", got.Payload)
	}
}

func TestAcceptNonFragmentReturnsNil(t *testing.T) {
	f := newTestFragmenter(t)
	if got := f.AcceptFragment(protocol.NewPacket(protocol.TypeMessage, testSender, []byte("x"))); got != nil {
		t.Fatal("non-fragment packets are not the fragmenter's to handle")
	}
	if got := f.AcceptFragment(nil); got != nil {
		t.Fatal("nil packet must be ignored")
	}
}

func TestFragmentNilPacket(t *testing.T) {
	f := newTestFragmenter(t)
	if _, err := f.Fragment(nil); !errors.Is(err, ErrPacketNil) {
		t.Fatalf("expected ErrPacketNil, got %v", err)
	}
}

func TestSweepExpiresIncompleteGroups(t *testing.T) {
	f := newTestFragmenter(t)
	fid := protocol.FragmentID{9, 9, 9, 9, 9, 9, 9, 3}

	f.AcceptFragment(fragPacket(fid, 0, 3, protocol.TypeMessage, []byte("aa")))
	if f.PendingGroups() != 1 {
		t.Fatal("expected one pending group")
	}

	f.mu.Lock()
	f.groups[fid.GroupKey()].createdAt = time.Now().Add(-config.DefaultReassemblyTimeout - time.Second)
	f.mu.Unlock()

	expired, _ := f.sweepExpired()
	if expired != 1 {
		t.Fatalf("expected 1 expired group, got %d", expired)
	}
	if f.PendingGroups() != 0 {
		t.Fatal("expired group should be gone")
	}

	// a late fragment after expiry starts a fresh group
	f.AcceptFragment(fragPacket(fid, 1, 3, protocol.TypeMessage, []byte("bb")))
	if f.PendingGroups() != 1 {
		t.Fatal("late fragment should start a new group")
	}
	if f.metrics.GetSnapshot().ReassembliesExpired != 1 {
		t.Fatal("expiry should be counted")
	}
}

func TestSweepPrunesCompletedMarkers(t *testing.T) {
	f := newTestFragmenter(t)
	pkt := protocol.NewPacket(protocol.TypeMessage, testSender, patternPayload(600))

	fragments, err := f.Fragment(pkt)
	if err != nil {
		t.Fatalf("fragment failed: %v", err)
	}
	for _, fragment := range fragments {
		f.AcceptFragment(fragment)
	}

	fp, _ := protocol.DecodeFragmentPayload(fragments[0].Payload)
	f.mu.Lock()
	f.completed[fp.FragmentID.GroupKey()] = time.Now().Add(-config.DefaultReassemblyTimeout - time.Second)
	f.mu.Unlock()

	_, pruned := f.sweepExpired()
	if pruned != 1 {
		t.Fatalf("expected 1 pruned marker, got %d", pruned)
	}
	if f.CompletedMarkers() != 0 {
		t.Fatal("marker should be gone")
	}
}

func TestReassemblyTableEviction(t *testing.T) {
	cfg := config.DefaultMeshConfig()
	cfg.MaxPendingGroups = 2
	f := NewFragmenter(nil, cfg, utils.CreateTestLogger(), NewMetrics())

	oldID := protocol.FragmentID{1, 0, 0, 0, 0, 0, 0, 1}
	f.AcceptFragment(fragPacket(oldID, 0, 2, protocol.TypeMessage, []byte("aa")))
	f.AcceptFragment(fragPacket(protocol.FragmentID{1, 0, 0, 0, 0, 0, 0, 2}, 0, 2, protocol.TypeMessage, []byte("bb")))

	f.mu.Lock()
	f.groups[oldID.GroupKey()].createdAt = time.Now().Add(-time.Minute)
	f.mu.Unlock()

	f.AcceptFragment(fragPacket(protocol.FragmentID{1, 0, 0, 0, 0, 0, 0, 3}, 0, 2, protocol.TypeMessage, []byte("cc")))

	if f.PendingGroups() != 2 {
		t.Fatalf("expected table capped at 2, got %d", f.PendingGroups())
	}
	f.mu.Lock()
	_, oldStillThere := f.groups[oldID.GroupKey()]
	f.mu.Unlock()
	if oldStillThere {
		t.Fatal("oldest group should have been evicted")
	}
}

func TestConcurrentDeliveryReassemblesExactlyOnce(t *testing.T) {
	f := newTestFragmenter(t)
	payload := patternPayload(1800)
	pkt := protocol.NewPacket(protocol.TypeMessage, testSender, payload)

	fragments, err := f.Fragment(pkt)
	if err != nil {
		t.Fatalf("fragment failed: %v", err)
	}

	// every fragment delivered twice from concurrent goroutines
	var completions int64
	var wg sync.WaitGroup
	for round := 0; round < 2; round++ {
		for _, fragment := range fragments {
			wg.Add(1)
			go func(p *protocol.Packet) {
				defer wg.Done()
				if got := f.AcceptFragment(p); got != nil {
					atomic.AddInt64(&completions, 1)
					if !bytes.Equal(got.Payload, payload) {
						t.Error("reassembled payload corrupted under concurrency")
					}
				}
			}(fragment)
		}
	}
	wg.Wait()

	if completions != 1 {
		t.Fatalf("expected exactly one reassembly, got %d", completions)
	}
	if f.PendingGroups() != 0 {
		t.Fatalf("expected no pending groups, got %d", f.PendingGroups())
	}
}

func TestStopClearsReassemblyState(t *testing.T) {
	f := newTestFragmenter(t)

	f.AcceptFragment(fragPacket(protocol.FragmentID{2, 0, 0, 0, 0, 0, 0, 1}, 0, 2, protocol.TypeMessage, []byte("aa")))
	pkt := protocol.NewPacket(protocol.TypeMessage, testSender, patternPayload(600))
	fragments, _ := f.Fragment(pkt)
	for _, fragment := range fragments {
		f.AcceptFragment(fragment)
	}

	f.Start()
	f.Stop()

	if f.PendingGroups() != 0 || f.CompletedMarkers() != 0 {
		t.Fatal("stop should clear all reassembly state")
	}
}

func TestSweepLoopExpiresGroups(t *testing.T) {
	cfg := config.DefaultMeshConfig()
	cfg.FragmentSweepInterval = 20 * time.Millisecond
	cfg.ReassemblyTimeout = 40 * time.Millisecond
	f := NewFragmenter(nil, cfg, utils.CreateTestLogger(), NewMetrics())

	f.AcceptFragment(fragPacket(protocol.FragmentID{3, 0, 0, 0, 0, 0, 0, 1}, 0, 2, protocol.TypeMessage, []byte("aa")))

	f.Start()
	defer f.Stop()

	deadline := time.After(2 * time.Second)
	for f.PendingGroups() > 0 {
		select {
		case <-deadline:
			t.Fatal("sweep loop did not expire the stale group")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
