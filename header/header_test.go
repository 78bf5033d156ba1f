package header

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{
		Number:     150,
		Hash:       common.HexToHash("0x01"),
		ParentHash: common.HexToHash("0x02"),
		StateRoot:  common.HexToHash("0x03"),
		Extra:      []byte("digest-logs"),
	}
	got, err := Decode(Encode(h))
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := Encode(Header{Number: 1})
	buf[0] ^= 0xff
	_, err := Decode(buf)
	require.Error(t, err)
}
