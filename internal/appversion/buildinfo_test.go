package appversion_test

import (
	"testing"

	"loom/internal/appversion"
)

func TestVersionIsSet(t *testing.T) {
	t.Parallel()

	v := appversion.String()
	if v == "" {
		t.Fatal("version.String() must not be empty")
	}
}

func TestVersionNeverDevel(t *testing.T) {
	t.Parallel()

	// Without an -ldflags override the fallback chain must land on a
	// printable version, never Go's raw "(devel)" placeholder.
	if v := appversion.String(); v == "(devel)" {
		t.Fatalf("version.String() = %q", v)
	}
}
