package version

import (
	"strings"
	"testing"
)

func TestUserAgent(t *testing.T) {
	if got := UserAgent(); got != "chainport-go/1.0" {
		t.Errorf("UserAgent() = %q, want %q", got, "chainport-go/1.0")
	}
}

func TestCurrent(t *testing.T) {
	parts := strings.Split(Current, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		t.Errorf("Current = %q, want major.minor", Current)
	}
}
