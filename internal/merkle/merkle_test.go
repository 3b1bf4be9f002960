package merkle_test

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/gtixt/provenance/internal/merkle"
)

func leaf(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func leaves(names ...string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = leaf(n)
	}
	return out
}

func mustBuild(t *testing.T, ls []string) *merkle.Tree {
	t.Helper()
	tree, err := merkle.Build(ls)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return tree
}

func TestBuild_empty(t *testing.T) {
	if _, err := merkle.Build(nil); !errors.Is(err, merkle.ErrEmptyTree) {
		t.Errorf("expected ErrEmptyTree, got %v", err)
	}
}

func TestBuild_rejectsNonHashLeaf(t *testing.T) {
	if _, err := merkle.Build([]string{leaf("a"), "not-a-hash"}); !errors.Is(err, merkle.ErrInvalidLeaf) {
		t.Errorf("expected ErrInvalidLeaf, got %v", err)
	}
}

func TestBuild_singleLeaf(t *testing.T) {
	tree := mustBuild(t, leaves("a"))
	if tree.Root() != leaf("a") {
		t.Error("single-leaf root must equal the leaf")
	}
	p, err := tree.Prove(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Siblings) != 0 {
		t.Errorf("single-leaf proof should be empty, got %d siblings", len(p.Siblings))
	}
	if !merkle.VerifyProof(leaf("a"), p, tree.Root()) {
		t.Error("single-leaf proof should verify")
	}
}

func TestBuild_oddLevelPairsWithItself(t *testing.T) {
	ls := leaves("a", "b", "c")
	tree := mustBuild(t, ls)

	mid := tree.Levels[1]
	if len(mid) != 2 {
		t.Fatalf("expected 2 nodes at level 1, got %d", len(mid))
	}
	// The lone third leaf is hashed with itself.
	n := tree.Nodes()
	var found bool
	for _, node := range n {
		if node.Hash == mid[1] {
			found = node.Left == ls[2] && node.Right == ls[2]
		}
	}
	if !found {
		t.Error("odd node should be paired with itself")
	}
}

func TestProve_outOfRange(t *testing.T) {
	tree := mustBuild(t, leaves("a", "b"))
	for _, i := range []int{-1, 2, 100} {
		if _, err := tree.Prove(i); !errors.Is(err, merkle.ErrIndexOutOfRange) {
			t.Errorf("Prove(%d): expected ErrIndexOutOfRange, got %v", i, err)
		}
	}
}

func TestProve_allIndicesAllSizes(t *testing.T) {
	for n := 1; n <= 33; n++ {
		names := make([]string, n)
		for i := range names {
			names[i] = string(rune('A' + i))
		}
		ls := leaves(names...)
		tree := mustBuild(t, ls)
		for i := 0; i < n; i++ {
			p, err := tree.Prove(i)
			if err != nil {
				t.Fatalf("n=%d i=%d: %v", n, i, err)
			}
			if err := p.Validate(); err != nil {
				t.Fatalf("n=%d i=%d: invalid proof: %v", n, i, err)
			}
			if !merkle.VerifyProof(ls[i], p, tree.Root()) {
				t.Fatalf("n=%d i=%d: proof did not verify", n, i)
			}
		}
	}
}

func TestVerifyProof_fiveLeafScenario(t *testing.T) {
	five := mustBuild(t, leaves("a", "b", "c", "d", "e"))
	four := mustBuild(t, leaves("a", "b", "c", "d"))

	p, err := five.Prove(2)
	if err != nil {
		t.Fatal(err)
	}
	if !merkle.VerifyProof(leaf("c"), p, five.Root()) {
		t.Error("proof for c should verify against the 5-leaf root")
	}
	if merkle.VerifyProof(leaf("c"), p, four.Root()) {
		t.Error("proof for c must not verify against the 4-leaf root")
	}
}

func TestVerifyProof_tamperedSibling(t *testing.T) {
	tree := mustBuild(t, leaves("a", "b", "c", "d", "e", "f", "g"))
	p, _ := tree.Prove(4)
	for i := range p.Siblings {
		orig := p.Siblings[i].Hash
		p.Siblings[i].Hash = leaf("x")
		if merkle.VerifyProof(leaf("e"), p, tree.Root()) {
			t.Errorf("altered sibling %d still verified", i)
		}
		p.Siblings[i].Hash = orig
	}
	if merkle.VerifyProof(leaf("f"), p, tree.Root()) {
		t.Error("wrong leaf should not verify")
	}
}

func TestValidate_malformed(t *testing.T) {
	tree := mustBuild(t, leaves("a", "b", "c", "d"))
	good, _ := tree.Prove(1)

	cases := map[string]func(p *merkle.Proof){
		"zero size":      func(p *merkle.Proof) { p.TreeSize = 0 },
		"short path":     func(p *merkle.Proof) { p.Siblings = p.Siblings[:1] },
		"flipped side":   func(p *merkle.Proof) { p.Siblings[0].Position = merkle.Right },
		"bad hash":       func(p *merkle.Proof) { p.Siblings[1].Hash = "zz" },
		"index too high": func(p *merkle.Proof) { p.LeafIndex = 4 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := *good
			p.Siblings = append([]merkle.Sibling(nil), good.Siblings...)
			mutate(&p)
			err := p.Validate()
			if !errors.Is(err, merkle.ErrMalformedProof) && !errors.Is(err, merkle.ErrIndexOutOfRange) {
				t.Errorf("expected structural error, got %v", err)
			}
			if merkle.VerifyProof(leaf("b"), &p, tree.Root()) {
				t.Error("malformed proof must not verify")
			}
		})
	}
}

func TestEncodeDecodeProof(t *testing.T) {
	tree := mustBuild(t, leaves("a", "b", "c", "d", "e"))
	p, _ := tree.Prove(3)

	s, err := merkle.EncodeProof(p)
	if err != nil {
		t.Fatal(err)
	}
	back, err := merkle.DecodeProof(s)
	if err != nil {
		t.Fatal(err)
	}
	if !merkle.VerifyProof(back.LeafHash, back, back.Root) || back.Root != tree.Root() {
		t.Error("decoded proof should verify against the original root")
	}
}

func TestDecodeProof_rejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "{", `{"l":"","i":0,"n":2,"p":[{"h":"00","pos":"X"}],"r":""}`} {
		if _, err := merkle.DecodeProof(s); !errors.Is(err, merkle.ErrMalformedProof) {
			t.Errorf("DecodeProof(%q): expected ErrMalformedProof, got %v", s, err)
		}
	}
}

func TestStats(t *testing.T) {
	tree := mustBuild(t, leaves("a", "b", "c", "d", "e"))
	s := tree.Stats()
	// 5 → 3 → 2 → 1
	if s.LeafCount != 5 || s.Height != 3 || s.NodeCount != 11 {
		t.Errorf("Stats() = %+v", s)
	}
	if len(tree.Nodes()) != s.NodeCount {
		t.Errorf("Nodes() returned %d, want %d", len(tree.Nodes()), s.NodeCount)
	}
}
