package hashchain

import "fmt"

// Export is the serialisable form of a chain.
type Export struct {
	Algorithm string `json:"algorithm"`
	Nodes     []Node `json:"nodes"`
	Root      string `json:"root"`
	Size      int    `json:"size"`
}

// Export returns a deep copy of the chain.
func (c *Chain) Export() Export {
	c.mu.RLock()
	defer c.mu.RUnlock()

	nodes := make([]Node, len(c.nodes))
	for i, n := range c.nodes {
		if n.PreviousHash != nil {
			p := *n.PreviousHash
			n.PreviousHash = &p
		}
		nodes[i] = n
	}
	return Export{
		Algorithm: Algorithm,
		Nodes:     nodes,
		Root:      c.rootLocked(),
		Size:      len(c.nodes),
	}
}

// Import replaces the chain contents with exp after verifying it. On any
// error the chain is left unchanged. Verification failures are returned as
// *CorruptionError.
func (c *Chain) Import(exp Export) error {
	if exp.Algorithm != Algorithm {
		return fmt.Errorf("%w: got %q, want %q", ErrAlgorithmMismatch, exp.Algorithm, Algorithm)
	}
	if exp.Size != len(exp.Nodes) {
		return &CorruptionError{BrokenAt: min(exp.Size, len(exp.Nodes)),
			Reason: fmt.Sprintf("export size %d but %d nodes", exp.Size, len(exp.Nodes))}
	}

	nodes := make([]Node, len(exp.Nodes))
	copy(nodes, exp.Nodes)
	if err := verifyNodes(nodes, len(nodes)); err != nil {
		return err
	}

	root := GenesisHash
	if len(nodes) > 0 {
		root = nodes[len(nodes)-1].Hash
	}
	if exp.Root != root {
		return &CorruptionError{BrokenAt: max(len(nodes)-1, 0), Reason: "export root does not match last node"}
	}

	c.mu.Lock()
	c.nodes = nodes
	c.mu.Unlock()
	return nil
}

// VerifyExport checks an exported chain without loading it, so durable state
// can be audited independently of any in-memory copy.
func VerifyExport(exp Export) Report {
	if exp.Algorithm != Algorithm {
		return Report{Valid: false, Message: fmt.Sprintf("%v: got %q", ErrAlgorithmMismatch, exp.Algorithm)}
	}
	if err := verifyNodes(exp.Nodes, len(exp.Nodes)); err != nil {
		return Report{Valid: false, BrokenAt: &err.BrokenAt, Message: err.Reason}
	}
	root := GenesisHash
	if n := len(exp.Nodes); n > 0 {
		root = exp.Nodes[n-1].Hash
	}
	if exp.Size != len(exp.Nodes) || exp.Root != root {
		at := max(len(exp.Nodes)-1, 0)
		return Report{Valid: false, BrokenAt: &at, Message: "export size or root does not match nodes"}
	}
	return Report{Valid: true, Message: fmt.Sprintf("chain of %d nodes verified", len(exp.Nodes))}
}
