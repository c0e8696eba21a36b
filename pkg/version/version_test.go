package version

import (
	"strings"
	"testing"
)

func TestFull(t *testing.T) {
	orig := Version
	Version = "1.4.0"
	defer func() { Version = orig }()

	full := Full()
	for _, want := range []string{"1.4.0", Commit, BuildDate} {
		if !strings.Contains(full, want) {
			t.Errorf("Full() = %q, want to contain %q", full, want)
		}
	}
}

func TestGetInfo(t *testing.T) {
	info := GetInfo()

	if info.Name != Name {
		t.Errorf("Name = %q, want %q", info.Name, Name)
	}
	if info.Version != Version || info.Commit != Commit || info.BuildDate != BuildDate {
		t.Errorf("GetInfo() = %+v, does not match package variables", info)
	}
}
