package utils

import (
	"testing"
)

func TestRandHexLength(t *testing.T) {
	for _, n := range []uint8{1, 4, 16, 32} {
		s := RandHex(n)
		if len(s) != int(n)*2 {
			t.Errorf("RandHex(%d) returned string of length %d, want %d", n, len(s), n*2)
		}
	}
}

func TestRandHexUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		s := RandHex(8)
		if seen[s] {
			t.Fatalf("RandHex returned duplicate value %s", s)
		}
		seen[s] = true
	}
}

func TestStringSliceContains(t *testing.T) {
	haystack := []string{"jupyter", "rstudio", "superset"}

	if !StringSliceContains(haystack, "rstudio") {
		t.Errorf("expected slice %v to contain %q", haystack, "rstudio")
	}

	if StringSliceContains(haystack, "theia") {
		t.Errorf("did not expect slice %v to contain %q", haystack, "theia")
	}

	if StringSliceContains(nil, "jupyter") {
		t.Errorf("did not expect nil slice to contain anything")
	}
}
