package hash

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// Digest hashes message with the digest algorithm named by an MSO.
func Digest(message []byte, alg string) ([]byte, error) {
	var hasher hash.Hash
	switch alg {
	case "SHA-256":
		hasher = sha256.New()
	case "SHA-384":
		hasher = sha512.New384()
	case "SHA-512":
		hasher = sha512.New()
	default:
		return nil, fmt.Errorf("unsupported digest algorithm: %s", alg)
	}
	if _, err := hasher.Write(message); err != nil {
		return nil, err
	}
	return hasher.Sum(nil), nil
}
