package codec

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/c360/karabo/hash"
)

// hashLines renders every node of h as "path type value {attrs}" in order.
func hashLines(h *hash.Hash) []string {
	var lines []string
	h.Walk(func(path string, n *hash.Node) bool {
		line := fmt.Sprintf("%s %s", path, n.Type())
		if _, nested := n.Value().(*hash.Hash); !nested {
			line += fmt.Sprintf(" %v", n.Value())
		}
		attrs := n.Attributes()
		for _, k := range attrs.Keys() {
			v, _ := attrs.Get(k)
			line += fmt.Sprintf(" @%s=%v", k, v)
		}
		lines = append(lines, line)
		return true
	})
	return lines
}

// assertSameHash fails with a per-node diff when got differs from want.
func assertSameHash(t *testing.T, want, got *hash.Hash) {
	t.Helper()
	if want.Equal(got) {
		return
	}
	if diff := cmp.Diff(hashLines(want), hashLines(got)); diff != "" {
		t.Errorf("decoded Hash mismatch (-want +got):\n%s", diff)
		return
	}
	t.Errorf("decoded Hash differs in value types:\n%s\nwant:\n%s", got, want)
}

func TestHashLines_ReportsChangedLeaf(t *testing.T) {
	a := hash.New().Put("a.b", int32(1)).Put("c", "x")
	b := hash.New().Put("a.b", int32(2)).Put("c", "x")

	diff := cmp.Diff(hashLines(a), hashLines(b))
	assert.Contains(t, diff, "a.b INT32 1")
	assert.Contains(t, diff, "a.b INT32 2")
	assert.NotContains(t, diff, "c STRING x")
	assert.Empty(t, cmp.Diff(hashLines(a), hashLines(a.Clone())))
}
