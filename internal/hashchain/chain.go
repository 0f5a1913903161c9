package hashchain

import (
	"fmt"
	"sync"
	"time"
)

// Report is the result of a whole-chain verification.
type Report struct {
	Valid    bool   `json:"valid"`
	BrokenAt *int   `json:"broken_at,omitempty"`
	Message  string `json:"message"`
}

// Chain is an in-memory, thread-safe hash chain. It is a cache of the durable
// ledger state and is rebuilt with Import on restart.
type Chain struct {
	mu    sync.RWMutex
	nodes []Node
	now   func() time.Time
}

// New creates an empty Chain.
func New() *Chain {
	return &Chain{now: func() time.Time { return time.Now().UTC() }}
}

// Clone returns an independent copy of c. Appending to the copy leaves c
// untouched.
func (c *Chain) Clone() *Chain {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nodes := make([]Node, len(c.nodes))
	copy(nodes, c.nodes)
	return &Chain{nodes: nodes, now: c.now}
}

// Append adds one node holding data and returns it with its inclusion proof.
// Existing nodes are never modified.
func (c *Chain) Append(data string) (Node, Proof, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var prev *string
	if n := len(c.nodes); n > 0 {
		h := c.nodes[n-1].Hash
		prev = &h
	}

	node := Node{
		Index:        len(c.nodes),
		Timestamp:    c.now().Format(time.RFC3339Nano),
		Data:         data,
		PreviousHash: prev,
	}
	hash, err := node.recompute()
	if err != nil {
		return Node{}, Proof{}, err
	}
	node.Hash = hash
	c.nodes = append(c.nodes, node)

	return node, c.proofLocked(node.Index), nil
}

// Get returns a copy of the node at index.
func (c *Chain) Get(index int) (Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= len(c.nodes) {
		return Node{}, fmt.Errorf("%w: %d (height %d)", ErrOutOfBounds, index, len(c.nodes))
	}
	return c.nodes[index], nil
}

// Height returns the number of nodes.
func (c *Chain) Height() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

// Root returns the hash of the last node, or GenesisHash for an empty chain.
func (c *Chain) Root() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rootLocked()
}

func (c *Chain) rootLocked() string {
	if len(c.nodes) == 0 {
		return GenesisHash
	}
	return c.nodes[len(c.nodes)-1].Hash
}

// VerifyChain walks every node, recomputing its hash and checking the link
// to its predecessor. It reports the first index where either check fails.
func (c *Chain) VerifyChain() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := verifyNodes(c.nodes, len(c.nodes)); err != nil {
		return Report{Valid: false, BrokenAt: &err.BrokenAt, Message: err.Reason}
	}
	return Report{Valid: true, Message: fmt.Sprintf("chain of %d nodes verified", len(c.nodes))}
}

// verifyNodes checks nodes[0:upto].
func verifyNodes(nodes []Node, upto int) *CorruptionError {
	for i := 0; i < upto; i++ {
		curr := &nodes[i]
		if curr.Index != i {
			return &CorruptionError{BrokenAt: i, Reason: fmt.Sprintf("node stores index %d", curr.Index)}
		}
		if i == 0 {
			if curr.PreviousHash != nil {
				return &CorruptionError{BrokenAt: 0, Reason: "genesis node has a previous hash"}
			}
		} else if curr.PreviousHash == nil || *curr.PreviousHash != nodes[i-1].Hash {
			return &CorruptionError{BrokenAt: i, Reason: "previous hash does not match predecessor"}
		}
		hash, err := curr.recompute()
		if err != nil {
			return &CorruptionError{BrokenAt: i, Reason: err.Error()}
		}
		if hash != curr.Hash {
			return &CorruptionError{BrokenAt: i, Reason: "stored hash does not match node content"}
		}
	}
	return nil
}
