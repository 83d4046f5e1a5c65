package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
)

// Key identifies one logical operation.
type Key string

// KeyFor derives the key for an operation on an item within an execution.
// It is a hex sha256 of the three parts separated by NUL bytes.
func KeyFor(executionID, itemID, operation string) Key {
	h := sha256.New()
	h.Write([]byte(executionID))
	h.Write([]byte{0})
	h.Write([]byte(itemID))
	h.Write([]byte{0})
	h.Write([]byte(operation))
	return Key(hex.EncodeToString(h.Sum(nil)))
}

func (k Key) String() string { return string(k) }
