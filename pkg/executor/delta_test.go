package executor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorci/conveyor/pkg/cierr"
)

func repeatBlock(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestDeltaRoundTripIdenticalFile(t *testing.T) {
	base := append(repeatBlock('a', deltaBlockSize), repeatBlock('b', deltaBlockSize)...)

	encoded, err := encodeDelta(base, base, "sha-base")
	require.NoError(t, err)

	out, err := applyDelta(encoded, base)
	require.NoError(t, err)
	assert.Equal(t, base, out)
}

func TestDeltaRoundTripChangedMiddleBlock(t *testing.T) {
	base := append(repeatBlock('a', deltaBlockSize), repeatBlock('b', deltaBlockSize)...)
	base = append(base, repeatBlock('c', deltaBlockSize)...)

	target := append(repeatBlock('a', deltaBlockSize), repeatBlock('X', deltaBlockSize)...)
	target = append(target, repeatBlock('c', deltaBlockSize)...)

	encoded, err := encodeDelta(base, target, "sha-base")
	require.NoError(t, err)

	out, err := applyDelta(encoded, base)
	require.NoError(t, err)
	assert.Equal(t, target, out)

	// Unchanged first and last blocks encode as references, not copies.
	assert.Less(t, len(encoded), len(target))
}

func TestDeltaRoundTripAppendedBlocks(t *testing.T) {
	base := repeatBlock('a', deltaBlockSize)
	target := append(repeatBlock('a', deltaBlockSize), []byte("appended tail beyond the base")...)

	encoded, err := encodeDelta(base, target, "sha-base")
	require.NoError(t, err)

	out, err := applyDelta(encoded, base)
	require.NoError(t, err)
	assert.Equal(t, target, out)
}

func TestDeltaShortTailIsLiteral(t *testing.T) {
	// Base and target share a final short block; it must still encode as
	// literal data because only full-size blocks are reusable.
	content := append(repeatBlock('a', deltaBlockSize), []byte("tail")...)

	encoded, err := encodeDelta(content, content, "sha-base")
	require.NoError(t, err)

	out, err := applyDelta(encoded, content)
	require.NoError(t, err)
	assert.Equal(t, content, out)
}

func TestDeltaEmptyTarget(t *testing.T) {
	base := repeatBlock('a', deltaBlockSize)

	encoded, err := encodeDelta(base, nil, "sha-base")
	require.NoError(t, err)

	out, err := applyDelta(encoded, base)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestApplyDeltaRejectsOutOfRangeBaseBlock(t *testing.T) {
	base := append(repeatBlock('a', deltaBlockSize), repeatBlock('b', deltaBlockSize)...)
	target := base

	encoded, err := encodeDelta(base, target, "sha-base")
	require.NoError(t, err)

	// Reconstructing against a pruned (shorter) base must fail rather
	// than produce silent corruption.
	_, err = applyDelta(encoded, base[:deltaBlockSize])
	require.Error(t, err)
	assert.Equal(t, cierr.KindArtifactIO, cierr.KindOf(err))
}

func TestApplyDeltaRejectsGarbage(t *testing.T) {
	_, err := applyDelta([]byte("not json"), nil)
	require.Error(t, err)
	assert.Equal(t, cierr.KindArtifactIO, cierr.KindOf(err))
}
