// Package idgen provides the identifier strategies used across intake.
//
// Constructors (ingester, archive, mockplatform) accept a Generator so tests
// can pin IDs and deployments can pick a format at startup.
package idgen

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 version 7 UUIDs. Used for run ids.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// ULID returns a Generator of monotonic ULIDs. They sort lexically by
// creation time, which keeps archive directories listable in order.
func ULID() Generator {
	return func() string {
		return ulid.Make().String()
	}
}

// NanoID returns a Generator of base-36 IDs of the given length. Random
// bytes at or above the largest multiple of 36 are discarded so every
// character is equally likely.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		return nanoID(rand.Reader, alphabet, length)
	}
}

func nanoID(r io.Reader, alphabet string, length int) string {
	limit := 256 - 256%len(alphabet)
	out := make([]byte, 0, length)
	buf := make([]byte, length+length/4+1)
	for len(out) < length {
		if _, err := io.ReadFull(r, buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out)
}

// Prefixed prepends a fixed prefix to every ID of gen ("run_", "ref_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a deterministic Generator for tests: prefix-1, prefix-2, ...
// It is not safe for concurrent use.
func Sequence(prefix string) Generator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()
