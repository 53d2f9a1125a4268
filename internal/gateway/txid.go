package gateway

import (
	"crypto/rand"
	"encoding/hex"
)

// newTransactionID returns the 8-hex opaque token identifying one SOL
// through its final RES. Ids originate here; the broker only echoes
// them back.
func newTransactionID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("gateway: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}
