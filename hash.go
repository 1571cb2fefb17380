package sauvegarde

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
)

// HashLen is the length in bytes of a block hash in binary form.
const HashLen = 32

// Hash is the binary SHA-256 digest of one block of a regular file.
type Hash [HashLen]byte

// Compare orders hashes by unsigned lexicographic byte comparison, the
// same ordering the index and the local database iterate in.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// Less reports whether h sorts before other.
func (h Hash) Less(other Hash) bool {
	return h.Compare(other) < 0
}

// String returns the hex form, for logs.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText encodes the hash as base64 for the JSON wire form.
func (h Hash) MarshalText() ([]byte, error) {
	buf := make([]byte, base64.StdEncoding.EncodedLen(len(h)))
	base64.StdEncoding.Encode(buf, h[:])
	return buf, nil
}

// UnmarshalText decodes the base64 wire form.
func (h *Hash) UnmarshalText(text []byte) error {
	buf := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(buf, text)
	if err != nil {
		return err
	}
	copy(h[:], buf[:n])
	return nil
}
