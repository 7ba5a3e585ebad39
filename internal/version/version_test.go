package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	got := String()
	if !strings.HasPrefix(got, Version+" ("+Commit+")") {
		t.Errorf("String() = %q, want prefix with version and commit", got)
	}
	if !strings.Contains(got, "go") {
		t.Errorf("String() = %q, want Go version", got)
	}
}
