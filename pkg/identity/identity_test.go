package identity

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/GreatApe42069/dogechat-android-sub001/pkg/peer"
)

func testSeed() []byte {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	return seed
}

func TestGenerateProducesDistinctIdentities(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	if a.PeerID == b.PeerID {
		t.Fatal("two generated identities share a peer id")
	}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("two generated identities share a fingerprint")
	}
	if a.PeerID.IsZero() {
		t.Fatal("peer id must not be zero")
	}
}

func TestFromSigningSeedIsDeterministic(t *testing.T) {
	a, err := FromSigningSeed(testSeed())
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	b, err := FromSigningSeed(testSeed())
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}

	if a.NoisePublic != b.NoisePublic {
		t.Fatal("noise key must be deterministic for a seed")
	}
	if !bytes.Equal(a.SigningPublic, b.SigningPublic) {
		t.Fatal("signing key must be deterministic for a seed")
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint must be stable across restarts")
	}
	// peer ids stay ephemeral even for seeded identities
	if a.PeerID == b.PeerID {
		t.Fatal("peer ids must be freshly random")
	}
	if !bytes.Equal(a.SigningSeed(), testSeed()) {
		t.Fatal("seed must round trip")
	}
}

func TestFromSigningSeedRejectsBadLength(t *testing.T) {
	if _, err := FromSigningSeed([]byte("short")); !errors.Is(err, ErrSeedInvalid) {
		t.Fatalf("expected ErrSeedInvalid, got %v", err)
	}
}

func TestFromSigningSeedHex(t *testing.T) {
	id, err := FromSigningSeedHex("0101010101010101010101010101010101010101010101010101010101010101")
	if err != nil {
		t.Fatalf("hex derive failed: %v", err)
	}
	if id.Fingerprint() == "" {
		t.Fatal("expected a fingerprint")
	}

	if _, err := FromSigningSeedHex("not hex at all"); !errors.Is(err, ErrSeedInvalid) {
		t.Fatalf("expected ErrSeedInvalid for bad hex, got %v", err)
	}
}

func TestAnnounceRoundTripVerifies(t *testing.T) {
	id, err := FromSigningSeed(testSeed())
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}

	payload, err := id.EncodeAnnounce("wow-such-peer")
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	ann, ok := DecodeAnnounce(payload)
	if !ok {
		t.Fatal("decode failed")
	}
	if ann.Nickname != "wow-such-peer" {
		t.Fatalf("expected nickname wow-such-peer, got %q", ann.Nickname)
	}
	if !bytes.Equal(ann.NoisePublicKey, id.NoisePublic[:]) {
		t.Fatal("noise key mismatch")
	}
	if !bytes.Equal(ann.SigningPublicKey, id.SigningPublic) {
		t.Fatal("signing key mismatch")
	}
	if !VerifyAnnounce(ann) {
		t.Fatal("genuine announce must verify")
	}
}

func TestAnnounceEmptyNickname(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	payload, err := id.EncodeAnnounce("")
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	ann, ok := DecodeAnnounce(payload)
	if !ok || ann.Nickname != "" {
		t.Fatalf("empty nickname should round trip, got %q ok=%t", ann.Nickname, ok)
	}
	if !VerifyAnnounce(ann) {
		t.Fatal("empty-nickname announce must verify")
	}
}

func TestTamperedAnnounceFailsVerification(t *testing.T) {
	id, err := FromSigningSeed(testSeed())
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	payload, err := id.EncodeAnnounce("honest")
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	// flip one nickname byte
	tampered := append([]byte(nil), payload...)
	tampered[NoiseKeySize+ed25519.PublicKeySize+1] ^= 0xff

	ann, ok := DecodeAnnounce(tampered)
	if !ok {
		t.Fatal("tampered announce should still parse")
	}
	if VerifyAnnounce(ann) {
		t.Fatal("tampered announce must not verify")
	}
}

func TestForeignKeyAnnounceFailsVerification(t *testing.T) {
	id, err := FromSigningSeed(testSeed())
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	other, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	payload, err := id.EncodeAnnounce("claimed")
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	ann, ok := DecodeAnnounce(payload)
	if !ok {
		t.Fatal("decode failed")
	}
	ann.SigningPublicKey = append([]byte(nil), other.SigningPublic...)

	if VerifyAnnounce(ann) {
		t.Fatal("announce must not verify under a different signing key")
	}
}

func TestDecodeAnnounceRejectsMalformed(t *testing.T) {
	if _, ok := DecodeAnnounce(nil); ok {
		t.Fatal("nil payload should not decode")
	}
	if _, ok := DecodeAnnounce(make([]byte, announceMinSize-1)); ok {
		t.Fatal("short payload should not decode")
	}

	id, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	payload, err := id.EncodeAnnounce("nick")
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	// length byte disagreeing with the frame
	broken := append([]byte(nil), payload...)
	broken[NoiseKeySize+ed25519.PublicKeySize] = 200
	if _, ok := DecodeAnnounce(broken); ok {
		t.Fatal("length mismatch should not decode")
	}

	padded := append(append([]byte(nil), payload...), 0x00)
	if _, ok := DecodeAnnounce(padded); ok {
		t.Fatal("trailing bytes should not decode")
	}
}

func TestVerifyAnnounceNeverPanicsOnShortKeys(t *testing.T) {
	short := [][]byte{nil, {1, 2, 3}, make([]byte, 16)}
	for _, noise := range short {
		for _, signing := range short {
			for _, sig := range short {
				ann := peer.Announcement{
					Nickname:         "x",
					NoisePublicKey:   noise,
					SigningPublicKey: signing,
					Signature:        sig,
				}
				if VerifyAnnounce(ann) {
					t.Fatal("malformed announce must not verify")
				}
			}
		}
	}
}

func TestEncodeAnnounceRejectsLongNickname(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	long := make([]byte, MaxNicknameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := id.EncodeAnnounce(string(long)); !errors.Is(err, ErrNicknameTooLong) {
		t.Fatalf("expected ErrNicknameTooLong, got %v", err)
	}
}

func TestRotatePeerID(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	before := id.PeerID

	old, fresh, err := id.RotatePeerID()
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if old != before {
		t.Fatal("rotate must report the previous id")
	}
	if fresh == before {
		t.Fatal("rotate must change the peer id")
	}
	if id.PeerID != fresh {
		t.Fatal("identity must carry the new id")
	}
	if id.Fingerprint() == "" {
		t.Fatal("fingerprint must survive rotation")
	}
}
