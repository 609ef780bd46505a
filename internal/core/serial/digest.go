package serial

import (
	"crypto/sha1"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Digest computes the content hash of a blob.
type Digest func(data []byte) Hash

const (
	DigestSHA1   = "sha1"
	DigestBLAKE3 = "blake3"
)

// SHA1 is the default digest and the one peers expect unless configured otherwise.
func SHA1(data []byte) Hash {
	return sha1.Sum(data)
}

// BLAKE3 is BLAKE3-256 truncated to HashSize bytes.
func BLAKE3(data []byte) Hash {
	sum := blake3.Sum256(data)
	var h Hash
	copy(h[:], sum[:HashSize])
	return h
}

// DigestByName resolves a configured digest name. Empty means SHA-1.
func DigestByName(name string) (Digest, error) {
	switch strings.ToLower(name) {
	case "", DigestSHA1:
		return SHA1, nil
	case DigestBLAKE3:
		return BLAKE3, nil
	default:
		return nil, fmt.Errorf("unknown digest %q", name)
	}
}
