package callback

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand/v2"
	"strconv"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
)

// TokenGenerator returns a token not present in used. It is always called with the
// registry lock held, so it needs no locking of its own for registry-private state.
// Tokens are never 0.
type TokenGenerator func(used mapset.Set[int]) int

// MonotonicTokens hands out 1, 2, 3, ...
func MonotonicTokens() TokenGenerator {
	var next atomic.Int64
	return func(used mapset.Set[int]) int {
		for {
			token := int(next.Add(1))
			if !used.Contains(token) {
				return token
			}
		}
	}
}

// RandomTokens draws a random integer, appends salt and hashes the result. Registries that
// use different salts (one per host process) get disjoint-looking token spaces without
// coordinating. A nil source uses the global generator.
func RandomTokens(salt string, source rand.Source) TokenGenerator {
	next := rand.Int64
	if source != nil {
		next = rand.New(source).Int64
	}

	return func(used mapset.Set[int]) int {
		for {
			sum := sha256.Sum256([]byte(strconv.FormatInt(next(), 10) + salt))
			token := int(binary.BigEndian.Uint32(sum[:4]) & 0x7fffffff)
			if token != 0 && !used.Contains(token) {
				return token
			}
		}
	}
}

// Excluding wraps gen so that it never returns the token reported by reserved
func Excluding(gen TokenGenerator, reserved func() int) TokenGenerator {
	return func(used mapset.Set[int]) int {
		for {
			if token := gen(used); token != reserved() {
				return token
			}
		}
	}
}
