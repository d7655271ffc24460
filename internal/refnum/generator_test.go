package refnum

import (
	"regexp"
	"testing"
)

var referenceNumberShape = regexp.MustCompile(`^\d{4}-\d{4}-\d{6}$`)

func TestRandomGeneratorShape(t *testing.T) {
	t.Parallel()

	g := NewRandomGenerator()
	for i := 0; i < 100; i++ {
		ref := g.Generate()
		if !referenceNumberShape.MatchString(ref) {
			t.Fatalf("reference number %q does not match dddd-dddd-dddddd", ref)
		}
	}
}

func TestRandomGeneratorVaries(t *testing.T) {
	t.Parallel()

	g := NewRandomGenerator()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		ref := g.Generate()
		if seen[ref] {
			t.Fatalf("generator repeated %q within 50 draws", ref)
		}
		seen[ref] = true
	}
}
