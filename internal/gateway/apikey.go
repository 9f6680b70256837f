package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// API keys look like sk-{machineId}-{keyId}-{crc8}: the machine and key IDs
// are dash-free tokens, and crc8 is the first eight hex characters of
// HMAC-SHA256(machineId+keyId, serverSecret). The checksum rejects forgeries
// before any store access; the key ID must then still be on the machine's
// issued list.

// ErrLegacyKey marks keys in the retired format, which clients must rotate.
var ErrLegacyKey = fmt.Errorf("legacy api key format, please regenerate your key")

// KeyChecksum computes the 8-hex-character HMAC tail of a key.
func KeyChecksum(machineID, keyID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(machineID + keyID))
	return hex.EncodeToString(mac.Sum(nil))[:8]
}

// FormatKey assembles a full API key.
func FormatKey(machineID, keyID, secret string) string {
	return fmt.Sprintf("sk-%s-%s-%s", machineID, keyID, KeyChecksum(machineID, keyID, secret))
}

// ParseKey validates a key and returns its machine and key IDs. Keys that do
// not match the current three-part layout return ErrLegacyKey so the caller
// can answer with a dedicated message.
func ParseKey(key, secret string) (machineID, keyID string, err error) {
	body, ok := strings.CutPrefix(key, "sk-")
	if !ok {
		return "", "", fmt.Errorf("malformed api key")
	}
	parts := strings.Split(body, "-")
	if len(parts) != 3 {
		return "", "", ErrLegacyKey
	}
	machineID, keyID, crc := parts[0], parts[1], parts[2]
	if machineID == "" || keyID == "" || len(crc) != 8 {
		return "", "", ErrLegacyKey
	}
	want := KeyChecksum(machineID, keyID, secret)
	if !hmac.Equal([]byte(crc), []byte(want)) {
		return "", "", fmt.Errorf("invalid api key")
	}
	return machineID, keyID, nil
}
