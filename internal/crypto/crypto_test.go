package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestHashAPIKey(t *testing.T) {
	tests := []struct {
		name   string
		apiKey string
	}{
		{"simple key", "test-api-key"},
		{"uuid key", "gw-550e8400-e29b-41d4-a716-446655440000"},
		{"empty key", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash := HashAPIKey(tt.apiKey)
			if hash != HashAPIKey(tt.apiKey) {
				t.Error("HashAPIKey not deterministic")
			}
			if len(hash) != 64 {
				t.Errorf("HashAPIKey length = %d, want 64", len(hash))
			}
			if strings.Trim(hash, "0123456789abcdef") != "" {
				t.Errorf("HashAPIKey is not hex: %s", hash)
			}
		})
	}
}

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer("passphrase")
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}

	sealed, err := s.Seal("openai-1", "sk-secret")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if strings.Contains(sealed, "sk-secret") {
		t.Error("sealed value leaks the secret")
	}

	got, err := s.Open("openai-1", sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got != "sk-secret" {
		t.Errorf("Open() = %q, want sk-secret", got)
	}
}

func TestSealer_NonceIsRandom(t *testing.T) {
	s, _ := NewSealer("passphrase")

	a, _ := s.Seal("k", "same")
	b, _ := s.Seal("k", "same")
	if a == b {
		t.Error("two seals of the same secret should differ")
	}
}

func TestSealer_BoundToOwner(t *testing.T) {
	s, _ := NewSealer("passphrase")
	sealed, _ := s.Seal("openai-1", "sk-secret")

	if _, err := s.Open("openai-2", sealed); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestSealer_WrongPassphrase(t *testing.T) {
	a, _ := NewSealer("one")
	b, _ := NewSealer("two")
	sealed, _ := a.Seal("k", "secret")

	if _, err := b.Open("k", sealed); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestSealer_Garbage(t *testing.T) {
	s, _ := NewSealer("passphrase")

	for _, in := range []string{"", "!!!", "YQ"} {
		if _, err := s.Open("k", in); !errors.Is(err, ErrInvalidCiphertext) {
			t.Errorf("Open(%q): expected ErrInvalidCiphertext, got %v", in, err)
		}
	}
}

func TestNewSealer_EmptyKey(t *testing.T) {
	if _, err := NewSealer(""); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("expected ErrEmptyKey, got %v", err)
	}
}
