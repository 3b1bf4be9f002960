package merkle

import (
	"encoding/json"
	"fmt"
)

// Position is the side a sibling sits on relative to the running hash.
type Position string

const (
	Left  Position = "left"
	Right Position = "right"
)

// Sibling is one step of an inclusion proof.
type Sibling struct {
	Hash     string   `json:"hash"`
	Position Position `json:"position"`
}

// Proof is the sibling path from one leaf to the root.
type Proof struct {
	LeafHash  string    `json:"leaf_hash"`
	LeafIndex int       `json:"leaf_index"`
	TreeSize  int       `json:"tree_size"`
	Siblings  []Sibling `json:"siblings"`
	Root      string    `json:"root"`
}

// Prove returns the inclusion proof for the leaf at index.
func (t *Tree) Prove(index int) (*Proof, error) {
	leaf, err := t.Leaf(index)
	if err != nil {
		return nil, err
	}
	p := &Proof{
		LeafHash:  leaf,
		LeafIndex: index,
		TreeSize:  t.Size(),
		Siblings:  make([]Sibling, 0, t.Height()),
		Root:      t.Root(),
	}
	idx := index
	for lv := 0; lv < t.Height(); lv++ {
		row := t.Levels[lv]
		if idx%2 == 0 {
			sib := row[idx]
			if idx+1 < len(row) {
				sib = row[idx+1]
			}
			p.Siblings = append(p.Siblings, Sibling{Hash: sib, Position: Right})
		} else {
			p.Siblings = append(p.Siblings, Sibling{Hash: row[idx-1], Position: Left})
		}
		idx /= 2
	}
	return p, nil
}

// Validate checks that p is structurally sound: size and index are in range,
// the path length matches the tree height and each recorded orientation agrees
// with the leaf index. It says nothing about whether the proof verifies.
func (p *Proof) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil proof", ErrMalformedProof)
	}
	if p.TreeSize < 1 {
		return fmt.Errorf("%w: tree size %d", ErrMalformedProof, p.TreeSize)
	}
	if p.LeafIndex < 0 || p.LeafIndex >= p.TreeSize {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, p.LeafIndex, p.TreeSize)
	}
	if want := heightFor(p.TreeSize); len(p.Siblings) != want {
		return fmt.Errorf("%w: %d siblings for tree of size %d, want %d",
			ErrMalformedProof, len(p.Siblings), p.TreeSize, want)
	}
	idx := p.LeafIndex
	for i, s := range p.Siblings {
		if !isHash(s.Hash) {
			return fmt.Errorf("%w: sibling %d is not a hash", ErrMalformedProof, i)
		}
		want := Right
		if idx%2 == 1 {
			want = Left
		}
		if s.Position != want {
			return fmt.Errorf("%w: sibling %d position %q, want %q", ErrMalformedProof, i, s.Position, want)
		}
		idx /= 2
	}
	return nil
}

// ComputeRoot folds leaf through the proof's siblings.
func (p *Proof) ComputeRoot(leaf string) string {
	cur := leaf
	for _, s := range p.Siblings {
		if s.Position == Left {
			cur = hashPair(s.Hash, cur)
		} else {
			cur = hashPair(cur, s.Hash)
		}
	}
	return cur
}

// VerifyProof reports whether leaf, folded through proof, yields expectedRoot.
// A structurally invalid proof never verifies; use Proof.Validate to tell the
// two cases apart.
func VerifyProof(leaf string, proof *Proof, expectedRoot string) bool {
	if proof.Validate() != nil || !isHash(leaf) {
		return false
	}
	return proof.ComputeRoot(leaf) == expectedRoot
}

// ── Compact encoding ──────────────────────────────────────────────────────────

type compactSibling struct {
	H   string `json:"h"`
	Pos string `json:"pos"`
}

type compactProof struct {
	L string           `json:"l"`
	I int              `json:"i"`
	N int              `json:"n"`
	P []compactSibling `json:"p"`
	R string           `json:"r"`
}

// EncodeProof returns the compact JSON form of p, suitable for embedding in an
// API response.
func EncodeProof(p *Proof) (string, error) {
	c := compactProof{L: p.LeafHash, I: p.LeafIndex, N: p.TreeSize, R: p.Root, P: make([]compactSibling, len(p.Siblings))}
	for i, s := range p.Siblings {
		pos := "R"
		if s.Position == Left {
			pos = "L"
		}
		c.P[i] = compactSibling{H: s.Hash, Pos: pos}
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode proof: %w", err)
	}
	return string(b), nil
}

// DecodeProof parses the compact form produced by EncodeProof and validates
// its structure.
func DecodeProof(s string) (*Proof, error) {
	var c compactProof
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	p := &Proof{LeafHash: c.L, LeafIndex: c.I, TreeSize: c.N, Root: c.R, Siblings: make([]Sibling, len(c.P))}
	for i, s := range c.P {
		switch s.Pos {
		case "L":
			p.Siblings[i] = Sibling{Hash: s.H, Position: Left}
		case "R":
			p.Siblings[i] = Sibling{Hash: s.H, Position: Right}
		default:
			return nil, fmt.Errorf("%w: sibling %d has position %q", ErrMalformedProof, i, s.Pos)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
