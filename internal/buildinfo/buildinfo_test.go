package buildinfo

import (
	"strings"
	"testing"
)

func TestInfoKeys(t *testing.T) {
	info := Info()
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch", "uptime"} {
		if _, ok := info[k]; !ok {
			t.Errorf("Info() missing key %q", k)
		}
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "Switchboard/"+Version) {
		t.Errorf("UserAgent() = %q, want prefix %q", ua, "Switchboard/"+Version)
	}
}

func TestString(t *testing.T) {
	if s := String(); !strings.Contains(s, Version) {
		t.Errorf("String() = %q, does not contain version %q", s, Version)
	}
}
