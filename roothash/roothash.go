// Package roothash derives salted, content-addressed aliases for external
// file roots.
//
// An alias is the hex MD5 digest of the root path followed by the salt.
// It only needs to be stable and collision-resistant across the roots of a
// single batch; it is not a security primitive.
package roothash

import (
	"crypto/md5" //nolint:gosec // alias derivation, not integrity
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// SaltBytes is the number of random bytes behind a generated salt.
const SaltBytes = 32

// Func maps a root path to its alias under a fixed salt.
type Func func(root string) string

// Hash returns the 32-character hex alias of root under salt.
// Identical inputs always produce identical output.
func Hash(salt []byte, root string) string {
	h := md5.New() //nolint:gosec // see package doc
	h.Write([]byte(root))
	h.Write(salt)
	return hex.EncodeToString(h.Sum(nil))
}

// New binds salt, returning a Func.
func New(salt []byte) Func {
	s := append([]byte(nil), salt...)
	return func(root string) string {
		return Hash(s, root)
	}
}

// NewSalt returns a fresh salt: the hex text of SaltBytes random bytes.
func NewSalt() ([]byte, error) {
	buf := make([]byte, SaltBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	out := make([]byte, hex.EncodedLen(len(buf)))
	hex.Encode(out, buf)
	return out, nil
}
