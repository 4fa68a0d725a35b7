package pipeline

import (
	"crypto/md5" // #nosec
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// DigestWriter feeds every byte written to it into sha256 and md5 at
// once, so a decryption pass produces both digests in one sweep. The
// md5 exists only because legacy accession systems still key on it.
type DigestWriter struct {
	sha hash.Hash
	md5 hash.Hash
}

func NewDigestWriter() *DigestWriter {
	return &DigestWriter{
		sha: sha256.New(),
		md5: md5.New(), // #nosec
	}
}

func (w *DigestWriter) Write(p []byte) (int, error) {
	// hash.Hash writes never fail.
	w.sha.Write(p)
	w.md5.Write(p)

	return len(p), nil
}

// SHA256 returns the running sha256 digest as lowercase hex.
func (w *DigestWriter) SHA256() string {
	return hex.EncodeToString(w.sha.Sum(nil))
}

// MD5 returns the running md5 digest as lowercase hex.
func (w *DigestWriter) MD5() string {
	return hex.EncodeToString(w.md5.Sum(nil))
}
