package hashchain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jmerrifield20/auditledger/internal/hashchain"
)

func appendN(t *testing.T, c *hashchain.Chain, n int) []hashchain.Node {
	t.Helper()
	nodes := make([]hashchain.Node, 0, n)
	for i := 0; i < n; i++ {
		node, _, err := c.Append(fmt.Sprintf(`{"event_id":"e%d"}`, i+1))
		if err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
		nodes = append(nodes, node)
	}
	return nodes
}

func TestRoot_emptyChainIsGenesis(t *testing.T) {
	c := hashchain.New()
	if c.Root() != hashchain.GenesisHash {
		t.Errorf("Root() on empty chain: got %q, want GenesisHash", c.Root())
	}
	if c.Height() != 0 {
		t.Errorf("Height() = %d, want 0", c.Height())
	}
}

func TestAppend_linksNodes(t *testing.T) {
	c := hashchain.New()

	n0, p0, err := c.Append(`{"event_id":"e1"}`)
	if err != nil {
		t.Fatal(err)
	}
	if n0.Index != 0 || n0.PreviousHash != nil {
		t.Fatalf("genesis node: index=%d prev=%v", n0.Index, n0.PreviousHash)
	}
	if c.Root() != n0.Hash || p0.RootHash != n0.Hash {
		t.Errorf("root after first append should be node0 hash")
	}

	n1, p1, err := c.Append(`{"event_id":"e2"}`)
	if err != nil {
		t.Fatal(err)
	}
	if n1.PreviousHash == nil || *n1.PreviousHash != n0.Hash {
		t.Errorf("node1.PreviousHash should equal node0.Hash")
	}
	if c.Root() != n1.Hash {
		t.Errorf("root after second append should be node1 hash")
	}
	if len(p1.Siblings) != 1 || p1.Siblings[0] != n0.Hash {
		t.Errorf("proof siblings: got %v", p1.Siblings)
	}
	if c.Height() != 2 {
		t.Errorf("Height() = %d, want 2", c.Height())
	}
}

func TestClone_isIndependent(t *testing.T) {
	c := hashchain.New()
	appendN(t, c, 2)
	root := c.Root()

	clone := c.Clone()
	if _, _, err := clone.Append(`{"event_id":"e3"}`); err != nil {
		t.Fatal(err)
	}
	if c.Height() != 2 || c.Root() != root {
		t.Errorf("original changed: height=%d root=%s", c.Height(), c.Root())
	}
	if clone.Height() != 3 {
		t.Errorf("clone Height() = %d, want 3", clone.Height())
	}
	if rep := clone.VerifyChain(); !rep.Valid {
		t.Errorf("clone chain invalid: %s", rep.Message)
	}
}

func TestVerifyChain_validAfterManyAppends(t *testing.T) {
	for _, n := range []int{0, 1, 2, 17} {
		c := hashchain.New()
		appendN(t, c, n)
		rep := c.VerifyChain()
		if !rep.Valid {
			t.Errorf("n=%d: VerifyChain() invalid: %s", n, rep.Message)
		}
		if c.Height() != n {
			t.Errorf("n=%d: Height() = %d", n, c.Height())
		}
	}
}

func TestImport_detectsTamperedData(t *testing.T) {
	c := hashchain.New()
	appendN(t, c, 5)

	exp := c.Export()
	exp.Nodes[3].Data = `{"event_id":"forged"}`

	err := hashchain.New().Import(exp)
	var corrupt *hashchain.CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Import() error = %v, want *CorruptionError", err)
	}
	if corrupt.BrokenAt != 3 {
		t.Errorf("BrokenAt = %d, want 3", corrupt.BrokenAt)
	}
}

func TestImport_detectsBrokenLink(t *testing.T) {
	c := hashchain.New()
	appendN(t, c, 4)

	exp := c.Export()
	bogus := hashchain.GenesisHash
	exp.Nodes[2].PreviousHash = &bogus

	err := hashchain.New().Import(exp)
	var corrupt *hashchain.CorruptionError
	if !errors.As(err, &corrupt) || corrupt.BrokenAt != 2 {
		t.Fatalf("Import() error = %v, want corruption at 2", err)
	}
}

func TestImport_rejectsAlgorithmMismatch(t *testing.T) {
	c := hashchain.New()
	appendN(t, c, 1)
	exp := c.Export()
	exp.Algorithm = "sha1"
	if err := hashchain.New().Import(exp); !errors.Is(err, hashchain.ErrAlgorithmMismatch) {
		t.Fatalf("Import() error = %v, want ErrAlgorithmMismatch", err)
	}
}

func TestImport_rejectsRootMismatch(t *testing.T) {
	c := hashchain.New()
	appendN(t, c, 2)
	exp := c.Export()
	exp.Root = hashchain.GenesisHash
	if err := hashchain.New().Import(exp); err == nil {
		t.Fatal("Import() accepted an export with a wrong root")
	}
}

func TestExportImport_roundTrip(t *testing.T) {
	c := hashchain.New()
	appendN(t, c, 3)

	restored := hashchain.New()
	if err := restored.Import(c.Export()); err != nil {
		t.Fatalf("Import(): %v", err)
	}
	if restored.Root() != c.Root() || restored.Height() != 3 {
		t.Errorf("restored chain differs: root=%s height=%d", restored.Root(), restored.Height())
	}

	// Appends continue the imported chain.
	n, _, err := restored.Append(`{"event_id":"e4"}`)
	if err != nil {
		t.Fatal(err)
	}
	if n.Index != 3 || *n.PreviousHash != c.Root() {
		t.Errorf("append after import: index=%d prev=%v", n.Index, *n.PreviousHash)
	}
}

func TestGenerateProof_outOfBounds(t *testing.T) {
	c := hashchain.New()
	appendN(t, c, 2)
	for _, idx := range []int{-1, 2, 10} {
		if _, err := c.GenerateProof(idx); !errors.Is(err, hashchain.ErrOutOfBounds) {
			t.Errorf("GenerateProof(%d) error = %v, want ErrOutOfBounds", idx, err)
		}
	}
}

func TestVerifyProof(t *testing.T) {
	c := hashchain.New()
	data := `{"event_id":"e1"}`
	_, proof, err := c.Append(data)
	if err != nil {
		t.Fatal(err)
	}
	appendN(t, c, 3)

	if !c.VerifyProof(proof, data) {
		t.Error("proof issued at height 1 should still verify at height 4")
	}
	if c.VerifyProof(proof, `{"event_id":"other"}`) {
		t.Error("proof verified against different data")
	}

	fresh, err := c.GenerateProof(2)
	if err != nil {
		t.Fatal(err)
	}
	node, _ := c.Get(2)
	if !c.VerifyProof(fresh, node.Data) {
		t.Error("freshly generated proof did not verify")
	}
	if fresh.RootHash != c.Root() {
		t.Errorf("generated proof root = %s, want current root", fresh.RootHash)
	}

	tampered := fresh
	tampered.Siblings = append([]string(nil), fresh.Siblings...)
	tampered.Siblings[0] = hashchain.GenesisHash
	if c.VerifyProof(tampered, node.Data) {
		t.Error("proof with a forged sibling verified")
	}

	unknownRoot := fresh
	unknownRoot.RootHash = hashchain.GenesisHash
	if c.VerifyProof(unknownRoot, node.Data) {
		t.Error("proof with an unknown root verified")
	}
}

func TestVerifyProof_rootBeforeLeafRejected(t *testing.T) {
	c := hashchain.New()
	nodes := appendN(t, c, 3)
	proof, err := c.GenerateProof(2)
	if err != nil {
		t.Fatal(err)
	}
	proof.RootHash = nodes[0].Hash
	if c.VerifyProof(proof, nodes[2].Data) {
		t.Error("a root older than the leaf must not verify")
	}
}

func TestVerifyExport(t *testing.T) {
	c := hashchain.New()
	appendN(t, c, 4)

	exp := c.Export()
	if r := hashchain.VerifyExport(exp); !r.Valid {
		t.Fatalf("VerifyExport() on intact export: %s", r.Message)
	}

	exp.Nodes[2].Data = `{"event_id":"forged"}`
	r := hashchain.VerifyExport(exp)
	if r.Valid || r.BrokenAt == nil || *r.BrokenAt != 2 {
		t.Fatalf("VerifyExport() = %+v, want broken at 2", r)
	}
	if c.VerifyChain().Valid != true {
		t.Error("mutating an export must not affect the chain")
	}
}
