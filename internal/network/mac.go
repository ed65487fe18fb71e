package network

import (
	"crypto/rand"
	"fmt"
)

// generateMAC produces a locally-administered, unicast MAC address: 6
// random bytes with the first octet's bit 1 set and bit 0 cleared.
func generateMAC() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	b[0] = (b[0] & 0xFC) | 0x02

	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5]), nil
}
