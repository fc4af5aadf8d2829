// Package identity holds the local node's key material: the ephemeral
// peer id presented on the mesh, the static noise key whose fingerprint
// survives id rotation, and the ed25519 key that signs announcements.
// It also implements the announce encoding this node speaks.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/GreatApe42069/dogechat-android-sub001/pkg/peer"
	"github.com/GreatApe42069/dogechat-android-sub001/pkg/protocol"
)

// NoiseKeySize is the byte length of a curve25519 key
const NoiseKeySize = 32

// MaxNicknameLen bounds announced nicknames
const MaxNicknameLen = 64

// announceMinSize is an announce with an empty nickname:
// noise key + signing key + nickname length byte + signature
const announceMinSize = NoiseKeySize + ed25519.PublicKeySize + 1 + ed25519.SignatureSize

// Identity errors
var (
	ErrSeedInvalid     = errors.New("signing seed invalid")
	ErrNicknameTooLong = errors.New("nickname too long")
)

// Identity is the local node's key material
type Identity struct {
	PeerID        protocol.PeerID
	NoisePublic   [NoiseKeySize]byte
	SigningPublic ed25519.PublicKey

	noisePrivate [NoiseKeySize]byte
	signingKey   ed25519.PrivateKey
}

// Generate creates a fresh identity with random keys and a random
// ephemeral peer id
func Generate() (*Identity, error) {
	var seed [ed25519.SeedSize]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("generate signing seed: %w", err)
	}
	return FromSigningSeed(seed[:])
}

// FromSigningSeed derives a deterministic identity from a 32-byte
// ed25519 seed. The noise static key is derived from the seed as well,
// so the fingerprint is stable across restarts; the peer id is always
// freshly random.
func FromSigningSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrSeedInvalid, ed25519.SeedSize, len(seed))
	}

	signingKey := ed25519.NewKeyFromSeed(seed)

	id := &Identity{
		SigningPublic: signingKey.Public().(ed25519.PublicKey),
		signingKey:    signingKey,
	}

	// noise static key comes from a hash of the seed, clamped per
	// curve25519 convention
	digest := sha512.Sum512(seed)
	copy(id.noisePrivate[:], digest[:NoiseKeySize])
	id.noisePrivate[0] &= 248
	id.noisePrivate[31] &= 127
	id.noisePrivate[31] |= 64

	pub, err := curve25519.X25519(id.noisePrivate[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive noise public key: %w", err)
	}
	copy(id.NoisePublic[:], pub)

	peerID, err := NewEphemeralPeerID()
	if err != nil {
		return nil, err
	}
	id.PeerID = peerID
	return id, nil
}

// FromSigningSeedHex parses a hex-encoded seed and derives an identity
func FromSigningSeedHex(s string) (*Identity, error) {
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSeedInvalid, err)
	}
	return FromSigningSeed(seed)
}

// NewEphemeralPeerID draws a random non-zero peer id
func NewEphemeralPeerID() (protocol.PeerID, error) {
	var id protocol.PeerID
	for id.IsZero() {
		if _, err := rand.Read(id[:]); err != nil {
			return id, fmt.Errorf("generate peer id: %w", err)
		}
	}
	return id, nil
}

// RotatePeerID replaces the ephemeral peer id, returning the old and
// new values so callers can remap fingerprint state
func (id *Identity) RotatePeerID() (protocol.PeerID, protocol.PeerID, error) {
	old := id.PeerID
	fresh, err := NewEphemeralPeerID()
	if err != nil {
		return old, old, err
	}
	id.PeerID = fresh
	return old, fresh, nil
}

// SigningSeed returns the 32-byte seed the identity derives from
func (id *Identity) SigningSeed() []byte {
	return id.signingKey.Seed()
}

// Fingerprint returns the stable identity fingerprint of the noise
// static public key
func (id *Identity) Fingerprint() string {
	return peer.Fingerprint(id.NoisePublic[:])
}

// EncodeAnnounce builds a signed announce payload carrying this
// identity's keys and the given nickname
func (id *Identity) EncodeAnnounce(nickname string) ([]byte, error) {
	nick := []byte(nickname)
	if len(nick) > MaxNicknameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrNicknameTooLong, len(nick))
	}

	body := make([]byte, 0, announceMinSize+len(nick))
	body = append(body, id.NoisePublic[:]...)
	body = append(body, id.SigningPublic...)
	body = append(body, byte(len(nick)))
	body = append(body, nick...)

	sig := ed25519.Sign(id.signingKey, body)
	return append(body, sig...), nil
}

// DecodeAnnounce parses an announce payload. Malformed payloads
// return ok=false; the signature is carried in the result for
// VerifyAnnounce.
func (id *Identity) DecodeAnnounce(payload []byte) (peer.Announcement, bool) {
	return DecodeAnnounce(payload)
}

// VerifyAnnounce checks the announcement signature against its own
// signing key. Never panics on malformed input.
func (id *Identity) VerifyAnnounce(ann peer.Announcement) bool {
	return VerifyAnnounce(ann)
}

// DecodeAnnounce parses an announce payload without an identity in hand
func DecodeAnnounce(payload []byte) (peer.Announcement, bool) {
	var ann peer.Announcement
	if len(payload) < announceMinSize {
		return ann, false
	}
	nickLen := int(payload[NoiseKeySize+ed25519.PublicKeySize])
	if nickLen > MaxNicknameLen {
		return ann, false
	}
	if len(payload) != announceMinSize+nickLen {
		return ann, false
	}

	nickStart := NoiseKeySize + ed25519.PublicKeySize + 1
	ann.NoisePublicKey = append([]byte(nil), payload[:NoiseKeySize]...)
	ann.SigningPublicKey = append([]byte(nil), payload[NoiseKeySize:NoiseKeySize+ed25519.PublicKeySize]...)
	ann.Nickname = string(payload[nickStart : nickStart+nickLen])
	ann.Signature = append([]byte(nil), payload[nickStart+nickLen:]...)
	return ann, true
}

// VerifyAnnounce checks an announcement signature. Length guards keep
// hostile inputs from reaching ed25519 internals.
func VerifyAnnounce(ann peer.Announcement) bool {
	if len(ann.NoisePublicKey) != NoiseKeySize {
		return false
	}
	if len(ann.SigningPublicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(ann.Signature) != ed25519.SignatureSize {
		return false
	}
	nick := []byte(ann.Nickname)
	if len(nick) > MaxNicknameLen {
		return false
	}

	body := make([]byte, 0, announceMinSize+len(nick)-ed25519.SignatureSize)
	body = append(body, ann.NoisePublicKey...)
	body = append(body, ann.SigningPublicKey...)
	body = append(body, byte(len(nick)))
	body = append(body, nick...)
	return ed25519.Verify(ed25519.PublicKey(ann.SigningPublicKey), body, ann.Signature)
}
