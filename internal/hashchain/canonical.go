package hashchain

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// FormatNumber renders v with exactly six decimal places. Negative zero is
// normalised to zero so that 0 and -0 commit identically.
func FormatNumber(v float64) string {
	s := strconv.FormatFloat(v, 'f', 6, 64)
	if s == "-0.000000" {
		return "0.000000"
	}
	return s
}

// FormatTime renders t as UTC RFC 3339 with nanoseconds. The zero time renders
// as the empty string.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Canonical returns the RFC 8785 canonical JSON encoding of v.
//
// Callers pass structs whose fields are all strings or slices of such structs,
// so marshalling cannot fail for any input; an error here means a caller
// handed in a type that was never meant to be committed.
func Canonical(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("hashchain: canonical marshal: %v", err))
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		panic(fmt.Sprintf("hashchain: canonical transform: %v", err))
	}
	return out
}

func sortRefs(refs []Ref) {
	slices.SortFunc(refs, func(a, b Ref) int {
		if c := strings.Compare(a.ID, b.ID); c != 0 {
			return c
		}
		return strings.Compare(a.Hash, b.Hash)
	})
}

// canonicalParams formats a parameter map. Key ordering is left to JCS.
func canonicalParams(params map[string]float64) map[string]string {
	if len(params) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = FormatNumber(v)
	}
	return out
}
