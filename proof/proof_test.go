package proof_test

import (
	"testing"
	"time"

	"github.com/insipx/smoldot/header"
	"github.com/insipx/smoldot/proof"
	"github.com/stretchr/testify/require"
)

func TestHeaderVerifierAcceptsDirectChild(t *testing.T) {
	parent := header.Header{Number: 10, Hash: [32]byte{1}}
	child := header.Header{Number: 11, Hash: [32]byte{2}, ParentHash: parent.Hash}

	err := proof.HeaderVerifier{}.VerifyHeader(time.Now(), parent, child)
	require.NoError(t, err)
}

func TestHeaderVerifierRejectsWrongParentHash(t *testing.T) {
	parent := header.Header{Number: 10, Hash: [32]byte{1}}
	child := header.Header{Number: 11, Hash: [32]byte{2}, ParentHash: [32]byte{9}}

	err := proof.HeaderVerifier{}.VerifyHeader(time.Now(), parent, child)
	require.Error(t, err)
}

func TestHeaderVerifierRejectsSkippedNumber(t *testing.T) {
	parent := header.Header{Number: 10, Hash: [32]byte{1}}
	child := header.Header{Number: 12, Hash: [32]byte{2}, ParentHash: parent.Hash}

	err := proof.HeaderVerifier{}.VerifyHeader(time.Now(), parent, child)
	require.Error(t, err)
}

func TestWarpSyncProofRoundTrip(t *testing.T) {
	want := proof.WarpSyncProof{
		TargetHeader:       header.Header{Number: 42, Hash: [32]byte{7}, ParentHash: [32]byte{6}},
		NextAuthoritySetID: 99,
		StateTrieRoot:      [32]byte{3},
		NeedsStorageKey:    []byte(":code"),
	}

	got, err := proof.WarpSyncVerifier{}.VerifyWarpSyncProof(want.TargetHeader.Hash, proof.EncodeWarpSyncProof(want))
	require.NoError(t, err)
	require.Equal(t, want.TargetHeader, got.FinalizedHeader)
	require.Equal(t, want.NextAuthoritySetID, got.NextAuthoritySetID)
	require.Equal(t, want.StateTrieRoot, got.StateTrieRoot)
	require.Equal(t, want.NeedsStorageKey, got.NeedsStorageKey)
}

func TestWarpSyncProofRoundTripWithEmptyStorageKey(t *testing.T) {
	want := proof.WarpSyncProof{TargetHeader: header.Header{Number: 1, Hash: [32]byte{1}}, NextAuthoritySetID: 1}

	got, err := proof.WarpSyncVerifier{}.VerifyWarpSyncProof(want.TargetHeader.Hash, proof.EncodeWarpSyncProof(want))
	require.NoError(t, err)
	require.Empty(t, got.NeedsStorageKey)
}

func TestWarpSyncVerifierRejectsTruncatedProof(t *testing.T) {
	_, err := proof.WarpSyncVerifier{}.VerifyWarpSyncProof([32]byte{}, []byte{1, 2, 3})
	require.Error(t, err)
}

func TestStorageProofVerifierAcceptsMatchingLeaf(t *testing.T) {
	leaf := []byte("account-balance:123")
	root := proof.TrieRootFor(leaf)

	values, err := proof.StorageProofVerifier{}.VerifyStorageProof(root, [][]byte{proof.EncodeStorageProof(leaf)}, [][]byte{[]byte("key")})
	require.NoError(t, err)
	require.Equal(t, [][]byte{leaf}, values)
}

func TestStorageProofVerifierRejectsMismatchedRoot(t *testing.T) {
	leaf := []byte("account-balance:123")
	wrongRoot := proof.TrieRootFor([]byte("something-else"))

	_, err := proof.StorageProofVerifier{}.VerifyStorageProof(wrongRoot, [][]byte{proof.EncodeStorageProof(leaf)}, [][]byte{[]byte("key")})
	require.Error(t, err)
}

func TestStorageProofVerifierHandlesProvenAbsent(t *testing.T) {
	var root [32]byte
	values, err := proof.StorageProofVerifier{}.VerifyStorageProof(root, [][]byte{nil}, [][]byte{[]byte("missing-key")})
	require.NoError(t, err)
	require.Len(t, values, 1)
	require.Nil(t, values[0])
}

func TestStorageProofVerifierRejectsCountMismatch(t *testing.T) {
	var root [32]byte
	_, err := proof.StorageProofVerifier{}.VerifyStorageProof(root, [][]byte{nil, nil}, [][]byte{[]byte("key")})
	require.Error(t, err)
}
