package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// FragmentIDSize is the byte length of a fragment group identifier
const FragmentIDSize = 8

// FragmentHeaderSize is the fixed prefix of a fragment payload:
// fragment id(8) + index(2) + total(2) + original type(1)
const FragmentHeaderSize = FragmentIDSize + 2 + 2 + 1

// Fragment codec errors
var (
	ErrFragmentTooShort     = errors.New("fragment payload too short")
	ErrFragmentTotalInvalid = errors.New("fragment total invalid")
	ErrFragmentIndexInvalid = errors.New("fragment index out of range")
)

// FragmentID labels all fragments of one oversized packet. Each
// fragmentation run draws a fresh random id.
type FragmentID [FragmentIDSize]byte

// GroupKey returns the hex form used to key reassembly state
func (id FragmentID) GroupKey() string {
	return hex.EncodeToString(id[:])
}

// RandomFragmentID returns a cryptographically random fragment id
func RandomFragmentID() (FragmentID, error) {
	var id FragmentID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generate fragment id: %w", err)
	}
	return id, nil
}

// FragmentPayload is the payload of a fragment-type packet: a fixed
// header followed by one slice of the original packet's payload.
// Index is zero-based; Total is the number of fragments in the group;
// OriginalType is the packet type to restore on reassembly.
type FragmentPayload struct {
	FragmentID   FragmentID
	Index        uint16
	Total        uint16
	OriginalType MessageType
	Data         []byte
}

// Encode serializes the fragment payload
func (fp *FragmentPayload) Encode() []byte {
	buf := make([]byte, FragmentHeaderSize+len(fp.Data))
	copy(buf[:FragmentIDSize], fp.FragmentID[:])
	binary.BigEndian.PutUint16(buf[FragmentIDSize:FragmentIDSize+2], fp.Index)
	binary.BigEndian.PutUint16(buf[FragmentIDSize+2:FragmentIDSize+4], fp.Total)
	buf[FragmentIDSize+4] = byte(fp.OriginalType)
	copy(buf[FragmentHeaderSize:], fp.Data)
	return buf
}

// DecodeFragmentPayload parses a fragment payload, rejecting frames
// that could never complete a group. Data is copied out of the input.
func DecodeFragmentPayload(data []byte) (*FragmentPayload, error) {
	if len(data) < FragmentHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFragmentTooShort, len(data))
	}
	fp := &FragmentPayload{
		Index:        binary.BigEndian.Uint16(data[FragmentIDSize : FragmentIDSize+2]),
		Total:        binary.BigEndian.Uint16(data[FragmentIDSize+2 : FragmentIDSize+4]),
		OriginalType: MessageType(data[FragmentIDSize+4]),
	}
	copy(fp.FragmentID[:], data[:FragmentIDSize])
	if fp.Total == 0 {
		return nil, ErrFragmentTotalInvalid
	}
	if fp.Index >= fp.Total {
		return nil, fmt.Errorf("%w: index %d, total %d", ErrFragmentIndexInvalid, fp.Index, fp.Total)
	}
	fp.Data = make([]byte, len(data)-FragmentHeaderSize)
	copy(fp.Data, data[FragmentHeaderSize:])
	return fp, nil
}
