package ingester

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// idempotencyDomain is the BLAKE3 key for upload idempotency keys: the
// ASCII domain name zero-padded to 32 bytes. Changing it changes every key,
// so previously delivered uploads would be sent again.
var idempotencyDomain = [32]byte{
	'i', 'n', 't', 'a', 'k', 'e', '.', 'i', 'd', 'e', 'm', 'p', 'o', 't', 'e', 'n',
	'c', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// IdempotencyKey derives the delivery key of an upload from the client and
// the exact bytes uploaded. The client id is length-prefixed so that
// ("ab", "c...") and ("a", "bc...") cannot collide.
func IdempotencyKey(clientID string, data []byte) string {
	h, err := blake3.NewKeyed(idempotencyDomain[:])
	if err != nil {
		panic("ingester: blake3 keyed hasher: " + err.Error())
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(clientID)))
	h.Write(n[:])
	h.WriteString(clientID)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
