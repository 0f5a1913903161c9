package hashchain

import (
	"fmt"

	"github.com/jmerrifield20/auditledger/internal/canonical"
)

// Algorithm is the tag recorded in exports. Import rejects any other value.
const Algorithm = "sha256"

// GenesisHash is the root reported by an empty chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Node is a single hash-linked entry. Data holds the serialized event.
type Node struct {
	Hash         string  `json:"hash"`
	Index        int     `json:"index"`
	Timestamp    string  `json:"timestamp"`
	Data         string  `json:"data"`
	PreviousHash *string `json:"previous_hash"`
}

// hashNode computes the deterministic hash of n's content fields. The stored
// Hash field is not part of the input.
func hashNode(index int, timestamp, data string, prev *string) (string, error) {
	var p any
	if prev != nil {
		p = *prev
	}
	b, err := canonical.Marshal(map[string]any{
		"index":         index,
		"timestamp":     timestamp,
		"data":          data,
		"previous_hash": p,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize node %d: %w", index, err)
	}
	return canonical.SHA256Hex(b), nil
}

func (n *Node) recompute() (string, error) {
	return hashNode(n.Index, n.Timestamp, n.Data, n.PreviousHash)
}
