package pipeline

import (
	"context"
	"crypto/md5" // #nosec
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"seqvault/internal/storage"
)

// Supported checksum algorithms, named as they appear on the wire.
const (
	AlgoMD5    = "md5"
	AlgoSHA256 = "sha256"
)

// companionAlgorithms is the probe order for sidecar checksum files.
var companionAlgorithms = []string{AlgoMD5, AlgoSHA256}

// hashChunkSize is how much of a stream is read per hashing step.
const hashChunkSize = 64 * 1024

// NewHasher returns a fresh hash state for algo.
func NewHasher(algo string) (hash.Hash, error) {
	switch algo {
	case AlgoMD5:
		return md5.New(), nil // #nosec
	case AlgoSHA256:
		return sha256.New(), nil
	default:
		return nil, UnsupportedHashAlgorithm(algo)
	}
}

// Calculate hashes everything in r with algo, reading 64 KiB at a
// time, and returns the digest as lowercase hex.
func Calculate(r io.Reader, algo string) (string, error) {
	h, err := NewHasher(algo)
	if err != nil {
		return "", err
	}

	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("hashing stream: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// FromCompanion looks next to path for a sidecar checksum file, first
// <path>.md5 then <path>.sha256, and returns its trimmed content and
// the algorithm it claims. When no companion exists the error is
// CompanionNotFound, a submitter fault.
func FromCompanion(ctx context.Context, backend storage.Backend, path string) (value, algo string, err error) {
	for _, algo := range companionAlgorithms {
		companion := path + "." + algo
		if !backend.Exists(ctx, companion) {
			continue
		}

		r, err := backend.NewFileReader(ctx, companion)
		if err != nil {
			return "", "", fmt.Errorf("opening companion %s: %w", companion, err)
		}

		// Companions hold a single digest; cap the read so a bogus
		// upload cannot balloon memory.
		raw, err := io.ReadAll(io.LimitReader(r, 4096))
		_ = r.Close()
		if err != nil {
			return "", "", fmt.Errorf("reading companion %s: %w", companion, err)
		}

		return strings.TrimSpace(string(raw)), algo, nil
	}

	return "", "", CompanionNotFound(path)
}
