// Package merkle builds binary Merkle trees over firm-level hashes and issues
// compact inclusion proofs.
//
// Trees accept any leaf count. When a level has an odd number of nodes the
// last node is paired with itself, so no zero-hash padding is ever needed.
// A parent is SHA-256 over the two child hex strings joined by "|".
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrEmptyTree is returned when building a tree with no leaves.
	ErrEmptyTree = errors.New("merkle: tree has no leaves")
	// ErrIndexOutOfRange is returned when a proof is requested for an index
	// outside [0, n).
	ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")
	// ErrMalformedProof is returned when a proof is structurally unusable.
	ErrMalformedProof = errors.New("merkle: malformed proof")
	// ErrInvalidLeaf is returned when a leaf is not a lowercase hex SHA-256.
	ErrInvalidLeaf = errors.New("merkle: invalid leaf hash")
)

// hashPair combines two child hashes into their parent.
func hashPair(left, right string) string {
	h := sha256.New()
	h.Write([]byte(left))
	h.Write([]byte{'|'})
	h.Write([]byte(right))
	return hex.EncodeToString(h.Sum(nil))
}

// isHash reports whether s is 64 lowercase hex characters.
func isHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Node is one node of a built tree. Leaves have empty Left and Right.
type Node struct {
	Hash  string `json:"hash"`
	Left  string `json:"left,omitempty"`
	Right string `json:"right,omitempty"`
	// Depth is the distance from the root; leaves have the greatest depth.
	Depth int `json:"depth"`
	// Index is the node's position within its level.
	Index int `json:"index"`
}

// Tree is a fully built Merkle tree. Levels[0] holds the leaves and the last
// level holds only the root.
type Tree struct {
	Levels [][]string
}

// Stats summarises a tree's shape.
type Stats struct {
	LeafCount int `json:"leaf_count"`
	Height    int `json:"height"`
	NodeCount int `json:"node_count"`
}

// Build constructs a tree from leaves in the given order. The order is part of
// the commitment: callers must pass leaves in the dataset's published order.
func Build(leaves []string) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	level := make([]string, len(leaves))
	for i, l := range leaves {
		if !isHash(l) {
			return nil, fmt.Errorf("%w at index %d", ErrInvalidLeaf, i)
		}
		level[i] = l
	}

	t := &Tree{Levels: [][]string{level}}
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		t.Levels = append(t.Levels, next)
		level = next
	}
	return t, nil
}

// Root returns the root hash.
func (t *Tree) Root() string {
	top := t.Levels[len(t.Levels)-1]
	return top[0]
}

// Size returns the number of leaves.
func (t *Tree) Size() int { return len(t.Levels[0]) }

// Height returns the number of levels above the leaves.
func (t *Tree) Height() int { return len(t.Levels) - 1 }

// Leaf returns the leaf hash at index i.
func (t *Tree) Leaf(i int) (string, error) {
	if i < 0 || i >= t.Size() {
		return "", fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, i, t.Size())
	}
	return t.Levels[0][i], nil
}

// Nodes flattens the tree into a node list, root first.
func (t *Tree) Nodes() []Node {
	var out []Node
	height := t.Height()
	for lv := height; lv >= 0; lv-- {
		row := t.Levels[lv]
		for i, h := range row {
			n := Node{Hash: h, Depth: height - lv, Index: i}
			if lv > 0 {
				below := t.Levels[lv-1]
				n.Left = below[2*i]
				n.Right = n.Left
				if 2*i+1 < len(below) {
					n.Right = below[2*i+1]
				}
			}
			out = append(out, n)
		}
	}
	return out
}

// Stats reports the tree's leaf count, height and total node count.
func (t *Tree) Stats() Stats {
	s := Stats{LeafCount: t.Size(), Height: t.Height()}
	for _, lv := range t.Levels {
		s.NodeCount += len(lv)
	}
	return s
}

// heightFor returns the number of levels above the leaves for n leaves.
func heightFor(n int) int {
	h := 0
	for n > 1 {
		n = (n + 1) / 2
		h++
	}
	return h
}
