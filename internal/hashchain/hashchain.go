// Package hashchain computes the four-level commitment hierarchy that makes a
// published snapshot tamper-evident:
//
//	evidence → pillar → firm → dataset
//
// Every level is a pure function of its own content plus the hashes of its
// children. Children are always ordered by id before they are combined, so the
// result never depends on arrival order. Numbers are rendered with fixed
// six-decimal precision and timestamps as UTC RFC 3339, making the output
// independent of locale, map iteration order and the wall clock.
//
// The Verify* functions recompute and compare. A mismatch is reported as
// false (or as a Failure in a HierarchyReport), never as an error.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrMalformedRef is returned for a child reference that cannot have come
// out of this package.
var ErrMalformedRef = errors.New("hashchain: malformed reference")

// Domain tags prefixed to each level's preimage so that a hash from one level
// can never be replayed as a hash from another.
const (
	tagPillar  = "gtixt:pillar:v1"
	tagFirm    = "gtixt:firm:v1"
	tagDataset = "gtixt:dataset:v1"
	tagCommit  = "gtixt:snapshot:v1"
)

// sha256Hex returns the lowercase hex SHA-256 digest of data.
func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// preimage is the framed input of every level hash above evidence. Fields and
// refs go through canonical JSON, so no choice of id can move a boundary.
type preimage struct {
	Tag    string   `json:"tag"`
	Fields []string `json:"fields"`
}

// hashFields hashes tag and a fixed sequence of already-canonical fields.
func hashFields(tag string, fields ...string) string {
	return sha256Hex(Canonical(preimage{Tag: tag, Fields: fields}))
}

// Ref pairs a child's id with its committed hash.
type Ref struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
}

// ValidHash reports whether s is a lowercase hex SHA-256 digest.
func ValidHash(s string) bool {
	if len(s) != 2*sha256.Size {
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

// CheckRefs returns ErrMalformedRef for the first ref whose hash is not a
// lowercase hex digest or whose id is not valid UTF-8.
func CheckRefs(refs []Ref) error {
	for _, r := range refs {
		if !ValidHash(r.Hash) {
			return fmt.Errorf("%w: %q has hash %q", ErrMalformedRef, r.ID, r.Hash)
		}
		if !utf8.ValidString(r.ID) {
			return fmt.Errorf("%w: id %q is not valid UTF-8", ErrMalformedRef, r.ID)
		}
	}
	return nil
}

// sortedRefs returns a copy of refs ordered by ID, then Hash.
func sortedRefs(refs []Ref) []Ref {
	out := append([]Ref(nil), refs...)
	sortRefs(out)
	return out
}

// listHash commits to an ordered list of references.
func listHash(refs []Ref) string {
	if refs == nil {
		refs = []Ref{}
	}
	return sha256Hex(Canonical(refs))
}

// validText reports whether every string is valid UTF-8.
func validText(ss ...string) bool {
	for _, s := range ss {
		if !utf8.ValidString(s) {
			return false
		}
	}
	return true
}
