package gateway

import (
	"errors"
	"strings"
	"testing"
)

func TestKeyRoundTrip(t *testing.T) {
	secret := "test-secret"
	key := FormatKey("m1a2b3c4", "k9z8y7x6", secret)

	if !strings.HasPrefix(key, "sk-m1a2b3c4-k9z8y7x6-") {
		t.Fatalf("unexpected key shape: %s", key)
	}

	machineID, keyID, err := ParseKey(key, secret)
	if err != nil {
		t.Fatalf("ParseKey() error = %v", err)
	}
	if machineID != "m1a2b3c4" || keyID != "k9z8y7x6" {
		t.Errorf("ParseKey() = (%s, %s), want (m1a2b3c4, k9z8y7x6)", machineID, keyID)
	}
}

func TestKeyTamperedChecksum(t *testing.T) {
	secret := "test-secret"
	key := FormatKey("machine", "keyid", secret)
	tampered := key[:len(key)-1] + flipHex(key[len(key)-1])

	if _, _, err := ParseKey(tampered, secret); err == nil {
		t.Error("ParseKey() accepted a tampered checksum")
	}
}

func TestKeyWrongSecret(t *testing.T) {
	key := FormatKey("machine", "keyid", "secret-a")
	if _, _, err := ParseKey(key, "secret-b"); err == nil {
		t.Error("ParseKey() accepted a key minted under a different secret")
	}
}

func TestKeyLegacyFormat(t *testing.T) {
	for _, key := range []string{"sk-onlyonepart", "sk-two-parts", "sk-a-b-c-d"} {
		_, _, err := ParseKey(key, "secret")
		if !errors.Is(err, ErrLegacyKey) {
			t.Errorf("ParseKey(%q) error = %v, want ErrLegacyKey", key, err)
		}
	}
}

func TestKeyMissingPrefix(t *testing.T) {
	_, _, err := ParseKey("machine-keyid-abcd1234", "secret")
	if err == nil || errors.Is(err, ErrLegacyKey) {
		t.Errorf("ParseKey() error = %v, want malformed error", err)
	}
}

func TestKeyChecksumLength(t *testing.T) {
	if got := KeyChecksum("a", "b", "s"); len(got) != 8 {
		t.Errorf("KeyChecksum() length = %d, want 8", len(got))
	}
}

func flipHex(c byte) string {
	if c == 'a' {
		return "b"
	}
	return "a"
}
