// Package cursorwire implements the Cursor transport pieces: the Jyh
// request checksum, Connect-RPC envelope framing, and the protobuf codec for
// the unified chat RPC.
package cursorwire

import (
	"encoding/base64"
	"time"
)

// jyhSeed is the initial XOR key of the checksum cipher.
const jyhSeed = 165

// Checksum computes the time-windowed request checksum: the floor of the
// microsecond clock divided by 1e6 packed into six big-endian bytes, run
// through the XOR-chained cipher, base64-URL encoded and appended to the
// machine ID.
func Checksum(machineID string, now time.Time) string {
	ts := now.UnixMicro() / 1_000_000

	buf := [6]byte{
		byte(ts >> 40),
		byte(ts >> 32),
		byte(ts >> 24),
		byte(ts >> 16),
		byte(ts >> 8),
		byte(ts),
	}

	key := byte(jyhSeed)
	for i := range buf {
		buf[i] = (buf[i] ^ key) + byte(i%256)
		key = buf[i]
	}

	return base64.RawURLEncoding.EncodeToString(buf[:]) + machineID
}
