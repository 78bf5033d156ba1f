// Package para implements the parachain-specific pieces of deriving a
// parachain's best block from a relay chain: encoding the parameters
// for the ParachainHost_persisted_validation_data runtime call and
// decoding its result into a head-data header.
//
// The real call takes a ParaId and an OccupiedCoreAssumption and
// returns an Option<PersistedValidationData>, SCALE-encoded; this
// package's codec is the same boundary stand-in used by the header
// package, good enough to round-trip and to exercise the parachain
// task end to end.
package para

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/insipx/smoldot/header"
)

// OccupiedCoreAssumption mirrors the runtime-API parameter of the same
// name. TimedOut is the assumption smoldot's parachain task always
// uses: assume any occupied core has timed out, so persisted
// validation data is always returned rather than withheld pending a
// backing event.
type OccupiedCoreAssumption uint8

const (
	AssumptionIncluded OccupiedCoreAssumption = iota
	AssumptionTimedOut
	AssumptionFree
)

// ParaID identifies a parachain on its relay chain.
type ParaID uint32

// EncodeParams produces the SCALE-ish parameter bytes for
// ParachainHost_persisted_validation_data(paraID, assumption).
func EncodeParams(id ParaID, assumption OccupiedCoreAssumption) []byte {
	buf := make([]byte, 5)
	binary.BigEndian.PutUint32(buf[0:4], uint32(id))
	buf[4] = byte(assumption)
	return buf
}

// PersistedValidationData is the subset of the runtime call's return
// value the sync task needs: the parachain's head data (an opaque,
// chain-specific encoding of its header) and the relay parent number it
// was produced against.
type PersistedValidationData struct {
	ParentHead         []byte
	RelayParentNumber  uint64
	RelayParentStorage []byte
}

// DecodeResult parses the runtime call's SCALE-encoded return value. A
// nil slice (the None case, no such parachain / no validation data
// available yet) is reported via ok=false rather than an error, so the
// caller can tell "no head" apart from malformed output (the parachain
// task logs both at warn).
func DecodeResult(raw []byte) (data PersistedValidationData, ok bool, err error) {
	if len(raw) == 0 {
		return PersistedValidationData{}, false, nil
	}
	if len(raw) < 1+4+4 {
		return PersistedValidationData{}, false, fmt.Errorf("para: truncated persisted validation data")
	}
	if raw[0] == 0 {
		return PersistedValidationData{}, false, nil
	}
	raw = raw[1:]
	headLen := binary.BigEndian.Uint32(raw[0:4])
	raw = raw[4:]
	if uint32(len(raw)) < headLen+8 {
		return PersistedValidationData{}, false, fmt.Errorf("para: truncated head data")
	}
	data.ParentHead = append([]byte(nil), raw[:headLen]...)
	raw = raw[headLen:]
	data.RelayParentNumber = binary.BigEndian.Uint64(raw[0:8])
	raw = raw[8:]
	data.RelayParentStorage = append([]byte(nil), raw...)
	return data, true, nil
}

// EncodeResult is DecodeResult's counterpart, used by tests and fakes
// to build a runtime-call response.
func EncodeResult(data PersistedValidationData) []byte {
	buf := make([]byte, 0, 1+4+len(data.ParentHead)+8+len(data.RelayParentStorage))
	buf = append(buf, 1)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data.ParentHead)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, data.ParentHead...)
	var numBuf [8]byte
	binary.BigEndian.PutUint64(numBuf[:], data.RelayParentNumber)
	buf = append(buf, numBuf[:]...)
	buf = append(buf, data.RelayParentStorage...)
	return buf
}

// HeadDataHash returns the BLAKE2b-256 digest of a parachain's head
// data, used by the parachain task to detect an unchanged head
// without re-decoding and re-publishing it (spec.md §4.2's "skip
// republishing an unchanged head").
func HeadDataHash(headData []byte) [32]byte {
	return blake2b.Sum256(headData)
}

// DecodeHead interprets a parachain's opaque head data as a header,
// the representation most parachains use for it.
func DecodeHead(headData []byte) (header.Header, error) {
	return header.Decode(headData)
}
