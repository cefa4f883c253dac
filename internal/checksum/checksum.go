// Package checksum computes content digests used as schema versions.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Document returns the digest of a text document with line endings
// normalized to LF and trailing whitespace at the end of the file removed,
// so re-saving a file on another platform does not change its digest.
func Document(data []byte) string {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	return Sum(bytes.TrimRight(data, " \t\n"))
}
