package hashchain

import "fmt"

// PathLabelPredecessor marks a sibling that precedes the leaf in the chain.
// Every sibling of a chain proof carries this label.
const PathLabelPredecessor = "predecessor"

// Proof is an inclusion proof for one node. Siblings are the hashes of every
// node before the leaf, in chain order.
type Proof struct {
	Index      int      `json:"index"`
	LeafHash   string   `json:"leaf_hash"`
	Siblings   []string `json:"siblings"`
	PathLabels []string `json:"path_labels"`
	RootHash   string   `json:"root_hash"`
}

// GenerateProof builds an inclusion proof for the node at index against the
// current root.
func (c *Chain) GenerateProof(index int) (Proof, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= len(c.nodes) {
		return Proof{}, fmt.Errorf("%w: %d (height %d)", ErrOutOfBounds, index, len(c.nodes))
	}
	return c.proofLocked(index), nil
}

func (c *Chain) proofLocked(index int) Proof {
	siblings := make([]string, index)
	labels := make([]string, index)
	for i := 0; i < index; i++ {
		siblings[i] = c.nodes[i].Hash
		labels[i] = PathLabelPredecessor
	}
	return Proof{
		Index:      index,
		LeafHash:   c.nodes[index].Hash,
		Siblings:   siblings,
		PathLabels: labels,
		RootHash:   c.rootLocked(),
	}
}

// VerifyProof reports whether data is the content of the leaf described by
// proof and whether that leaf is linked into the stored chain. The proof's
// root must be the hash of the leaf or of a later node, which holds for
// proofs issued at any earlier height.
func (c *Chain) VerifyProof(proof Proof, data string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if proof.Index < 0 || proof.Index >= len(c.nodes) {
		return false
	}
	if len(proof.Siblings) != proof.Index || len(proof.PathLabels) != proof.Index {
		return false
	}

	leaf := c.nodes[proof.Index]
	computed, err := hashNode(leaf.Index, leaf.Timestamp, data, leaf.PreviousHash)
	if err != nil || computed != proof.LeafHash || computed != leaf.Hash {
		return false
	}

	for i, sib := range proof.Siblings {
		if c.nodes[i].Hash != sib || proof.PathLabels[i] != PathLabelPredecessor {
			return false
		}
	}

	if verifyNodes(c.nodes, proof.Index+1) != nil {
		return false
	}

	for i := proof.Index; i < len(c.nodes); i++ {
		if c.nodes[i].Hash == proof.RootHash {
			return true
		}
	}
	return false
}
