package helpers

import (
	"math/rand"
	"time"
)

func RandUnix() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// RandBytes returns n random bytes that are never '\t' or '\n', usable as protocol noise.
func RandBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		for {
			c := byte(r.Intn(256))
			if c != '\t' && c != '\n' {
				b[i] = c
				break
			}
		}
	}
	return b
}
