package identity

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"
)

func TestMask(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"email", "alice@example.com", "alice@..."},
		{"oauth path", "/home/user/creds/work-account.json", "work-account"},
		{"windows path", `C:\creds\team.json`, "team"},
		{"empty", "", "<empty>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Mask(tt.input); got != tt.want {
				t.Errorf("Mask(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestMaskAPIKeyHidesKeyMaterial(t *testing.T) {
	masked := Mask("sk-proj-supersecret0123456789")
	if len(masked) != 6 {
		t.Errorf("Expected 6-char hash prefix, got %q", masked)
	}
	if strings.Contains(masked, "secret") || strings.Contains(masked, "sk-") {
		t.Errorf("Masked form leaks key material: %q", masked)
	}
}

// Property: no randomly generated key ever survives masking verbatim.
func TestMaskNeverLeaksRandomKeys(t *testing.T) {
	for i := 0; i < 100; i++ {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err != nil {
			t.Fatal(err)
		}
		key := "sk-" + hex.EncodeToString(raw)
		masked := Mask(key)
		if strings.Contains(masked, key) || strings.Contains(key, masked) && len(masked) > 8 {
			t.Fatalf("Mask leaked key: key=%q masked=%q", key, masked)
		}
	}
}
