package executor

import (
	"bytes"
	"encoding/json"

	"github.com/conveyorci/conveyor/pkg/cierr"
)

// deltaBlockSize is the block granularity for incremental artifacts.
const deltaBlockSize = 4 * 1024

// deltaOp is one reconstruction instruction: reuse a base block or
// insert literal bytes. Exactly one field is set.
type deltaOp struct {
	BaseIndex *int   `json:"base_index,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// artifactDelta is the serialized block-level difference of a file
// against a base artifact.
type artifactDelta struct {
	Version      int       `json:"version"`
	BlockSize    int       `json:"block_size"`
	BaseSHA256   string    `json:"base_sha256"`
	OriginalSize int64     `json:"original_size"`
	Ops          []deltaOp `json:"ops"`
}

// encodeDelta computes the block delta of target against base. Blocks
// beyond the base's length are always literal, which is what lets a
// target longer than the base reconstruct (appended blocks).
func encodeDelta(base, target []byte, baseSHA string) ([]byte, error) {
	delta := artifactDelta{
		Version:      1,
		BlockSize:    deltaBlockSize,
		BaseSHA256:   baseSHA,
		OriginalSize: int64(len(target)),
	}

	baseBlocks := len(base) / deltaBlockSize
	for off := 0; off < len(target); off += deltaBlockSize {
		end := off + deltaBlockSize
		if end > len(target) {
			end = len(target)
		}
		block := target[off:end]

		idx := off / deltaBlockSize
		// Only full-size blocks can be reused; a short tail is literal.
		if idx < baseBlocks && len(block) == deltaBlockSize &&
			bytes.Equal(block, base[off:off+deltaBlockSize]) {
			i := idx
			delta.Ops = append(delta.Ops, deltaOp{BaseIndex: &i})
			continue
		}
		delta.Ops = append(delta.Ops, deltaOp{Data: block})
	}
	return json.Marshal(&delta)
}

// applyDelta reconstructs the original file from a serialized delta and
// the base content.
func applyDelta(encoded, base []byte) ([]byte, error) {
	var delta artifactDelta
	if err := json.Unmarshal(encoded, &delta); err != nil {
		return nil, cierr.Wrap(cierr.KindArtifactIO, err, "decoding artifact delta")
	}
	if delta.BlockSize <= 0 {
		return nil, cierr.New(cierr.KindArtifactIO, "artifact delta has invalid block size %d", delta.BlockSize)
	}

	out := make([]byte, 0, delta.OriginalSize)
	for _, op := range delta.Ops {
		if op.BaseIndex != nil {
			off := *op.BaseIndex * delta.BlockSize
			end := off + delta.BlockSize
			if off < 0 || end > len(base) {
				return nil, cierr.New(cierr.KindArtifactIO,
					"artifact delta references base block %d beyond base length %d", *op.BaseIndex, len(base))
			}
			out = append(out, base[off:end]...)
			continue
		}
		out = append(out, op.Data...)
	}
	if int64(len(out)) != delta.OriginalSize {
		return nil, cierr.New(cierr.KindArtifactIO,
			"artifact delta reconstructed %d bytes, expected %d", len(out), delta.OriginalSize)
	}
	return out, nil
}
