// Package header holds the block header representation shared by the
// relay-chain and parachain sync tasks, plus a minimal wire codec.
//
// The real wire format (SCALE) is an external collaborator per the sync
// service's scope: the service only ever needs a header's number, hash
// and parent hash to drive sync, and only ever needs to move the
// SCALE-encoded bytes around opaquely between the network and its
// subscribers. The codec below is a compact, self-describing encoding
// good enough to round-trip a Header and to stand in for "the bytes
// that came off the wire" in tests; production deployments plug in the
// real SCALE codec behind the same Decode/Encode signature.
package header

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Header is the subset of block-header fields the sync task reasons
// about. Everything else in a real header (digest logs, extrinsics
// root, etc.) rides along inside Extra, untouched.
type Header struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	StateRoot  common.Hash
	Extra      []byte
}

const magic = 0x73636c68 // "sclh" - scale-ish header

// Encode produces the wire bytes for h. Deterministic: Decode(Encode(h))
// always reproduces h.
func Encode(h Header) []byte {
	buf := make([]byte, 4+8+32+32+32+4+len(h.Extra))
	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint64(buf[4:12], h.Number)
	copy(buf[12:44], h.Hash[:])
	copy(buf[44:76], h.ParentHash[:])
	copy(buf[76:108], h.StateRoot[:])
	binary.BigEndian.PutUint32(buf[108:112], uint32(len(h.Extra)))
	copy(buf[112:], h.Extra)
	return buf
}

// Decode parses bytes produced by Encode. Returns an error for anything
// that isn't a well-formed encoding. How that is handled is up to the
// caller: allsync treats an undecodable header in a blocks response
// like a network error and reports an undecodable announce as
// BlockAnnounceInvalidHeader, without logging either.
func Decode(b []byte) (Header, error) {
	if len(b) < 112 {
		return Header{}, fmt.Errorf("header: short buffer (%d bytes)", len(b))
	}
	if got := binary.BigEndian.Uint32(b[0:4]); got != magic {
		return Header{}, fmt.Errorf("header: bad magic %x", got)
	}
	h := Header{Number: binary.BigEndian.Uint64(b[4:12])}
	copy(h.Hash[:], b[12:44])
	copy(h.ParentHash[:], b[44:76])
	copy(h.StateRoot[:], b[76:108])
	extraLen := binary.BigEndian.Uint32(b[108:112])
	if uint32(len(b)-112) < extraLen {
		return Header{}, fmt.Errorf("header: truncated extra field")
	}
	if extraLen > 0 {
		h.Extra = append([]byte(nil), b[112:112+extraLen]...)
	}
	return h, nil
}
