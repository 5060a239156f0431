package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"strings"
)

// HashEqual compares two hex digests in constant time. Case and surrounding
// whitespace are ignored since pins are often pasted by hand.
func HashEqual(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ValidSHA256Hex reports whether s looks like a hex-encoded SHA-256 digest
func ValidSHA256Hex(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// SHA256Hex returns the lowercase hex SHA-256 of data
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SHA256File streams the file at path through SHA-256
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashingWriter forwards writes to W while hashing them
type HashingWriter struct {
	W io.Writer
	h hash.Hash
	n int64
}

func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{W: w, h: sha256.New()}
}

func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.W.Write(p)
	hw.h.Write(p[:n])
	hw.n += int64(n)
	return n, err
}

// Sum returns the hex digest of everything written so far
func (hw *HashingWriter) Sum() string { return hex.EncodeToString(hw.h.Sum(nil)) }

// Written returns the number of bytes written so far
func (hw *HashingWriter) Written() int64 { return hw.n }
