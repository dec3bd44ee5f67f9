package network

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// GenerateMACAddress derives a stable MAC address from a sandbox key.
// Format: 02:53:42:XX:XX:XX, the last 3 octets from the key hash.
func GenerateMACAddress(key string) string {
	hash := sha256.Sum256([]byte(key))

	return fmt.Sprintf("%s:%02X:%02X:%02X",
		MACPrefix,
		hash[0],
		hash[1],
		hash[2],
	)
}

// TAPName derives the TAP device name for a sandbox in a group.
func TAPName(group, sandbox string) string {
	return TAPPrefix + shortHash("tap/"+group+"/"+sandbox)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}
