package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/elixir-oslo/crypt4gh/model/headers"
	"github.com/elixir-oslo/crypt4gh/streaming"
	log "github.com/sirupsen/logrus"

	"seqvault/internal/broker"
	"seqvault/internal/database"
	"seqvault/internal/metrics"
	"seqvault/internal/pipeline"
	"seqvault/internal/storage"
	"seqvault/internal/telemetry"
)

// verifyStore is the slice of the database gateway this worker drives.
type verifyStore interface {
	GetHeader(ctx context.Context, fileID int64) ([]byte, error)
	CheckSessionKeysChecksums(ctx context.Context, checksums []string) (bool, error)
	MarkCompleted(ctx context.Context, fileID int64, sessionKeyChecksums []string, digestSHA256 string) error
}

type worker struct {
	db         verifyStore
	archive    storage.Backend
	privateKey [32]byte
	metrics    *metrics.Worker
}

// handle verifies one archived file: open the stored header with the
// master key, guard the session keys against reuse and decrypt the
// whole body to prove it and settle the plaintext checksums. The
// database commit lands before the completion reply goes out, so a
// crash in between redelivers the message instead of announcing an
// unrecorded verification.
func (w *worker) handle(ctx context.Context, body []byte) ([]byte, error) {
	p, err := pipeline.ParsePayload(body)
	if err != nil {
		return nil, err
	}

	fileID, ok := p.FileID()
	if !ok {
		return nil, errors.New("message carries no usable file_id")
	}

	archivePath := p.ArchivePath()
	telemetry.SetAttributes(ctx,
		telemetry.FileID(fileID),
		telemetry.ArchivePath(archivePath),
	)
	log.WithFields(log.Fields{"file_id": fileID, "archive_path": archivePath}).Info("verifying file")

	// The header comes from the database, not from the message; the
	// hex copy in the message is informational only.
	header, err := w.db.GetHeader(ctx, fileID)
	if err != nil {
		return nil, pipeline.WithFileID(fileID, err)
	}

	sessionKeys, err := w.sessionKeys(header)
	if err != nil {
		return nil, pipeline.WithFileID(fileID, err)
	}

	digests := sessionKeyDigests(sessionKeys)
	reused, err := w.db.CheckSessionKeysChecksums(ctx, digests)
	if err != nil {
		return nil, pipeline.WithFileID(fileID, err)
	}
	if reused {
		return nil, pipeline.WithFileID(fileID, pipeline.SessionKeyReused(strings.Join(digests, ", ")))
	}

	f, err := w.archive.NewFileReader(ctx, archivePath)
	if err != nil {
		return nil, pipeline.WithFileID(fileID, fmt.Errorf("opening archived file %s: %w", archivePath, err))
	}
	defer f.Close()

	// The archive holds the body only; stitch the header back in front
	// of it for the decryptor. An edit list in the header is honored
	// as is.
	c4ghr, err := streaming.NewCrypt4GHReader(io.MultiReader(bytes.NewReader(header), f), w.privateKey, nil)
	if err != nil {
		return nil, pipeline.WithFileID(fileID, fmt.Errorf("opening decryptor: %w", err))
	}

	digest := pipeline.NewDigestWriter()
	decrypted, err := io.Copy(digest, c4ghr)
	if err != nil {
		return nil, pipeline.WithFileID(fileID, fmt.Errorf("decrypting archived file: %w", err))
	}
	telemetry.SetAttributes(ctx, telemetry.Bytes(decrypted))
	w.metrics.AddVerifiedBytes(decrypted)

	reply, err := w.completionReply(p, digest)
	if err != nil {
		return nil, pipeline.WithFileID(fileID, err)
	}

	if err := w.db.MarkCompleted(ctx, fileID, digests, digest.SHA256()); err != nil {
		if errors.Is(err, database.ErrDuplicateSessionKey) {
			return nil, pipeline.WithFileID(fileID, pipeline.SessionKeyReused(strings.Join(digests, ", ")))
		}

		return nil, pipeline.WithFileID(fileID, err)
	}

	log.WithFields(log.Fields{"file_id": fileID, "bytes": decrypted}).Info("file verified")

	return reply, nil
}

// sessionKeys opens the stored header with the master key. No
// decryptable data encryption packet means the envelope was encrypted
// for someone else.
func (w *worker) sessionKeys(header []byte) ([][]byte, error) {
	hdr, err := headers.NewHeader(bytes.NewReader(header), w.privateKey)
	if err != nil {
		return nil, pipeline.SessionKeyDecryptionError(header)
	}

	packets, err := hdr.GetDataEncryptionParameterHeaderPackets()
	if err != nil || len(*packets) == 0 {
		return nil, pipeline.SessionKeyDecryptionError(header)
	}

	keys := make([][]byte, 0, len(*packets))
	for _, packet := range *packets {
		key := packet.DataKey
		keys = append(keys, key[:])
	}

	return keys, nil
}

// sessionKeyDigests fingerprints each session key for the reuse ledger.
func sessionKeyDigests(keys [][]byte) []string {
	digests := make([]string, 0, len(keys))
	for _, k := range keys {
		sum := sha256.Sum256(k)
		digests = append(digests, hex.EncodeToString(sum[:]))
	}

	return digests
}

// completionReply rebuilds the original trigger and augments it with
// what verification proved. Pipeline internals (file id, header,
// archive path) stay out of it. The reply is refused, and the file not
// marked completed, if it would not validate downstream.
func (w *worker) completionReply(p pipeline.Payload, digest *pipeline.DigestWriter) ([]byte, error) {
	out := p.OrgMsg()
	if out == nil {
		out = p.Clone()
	} else {
		out = out.Clone()
	}

	out.Delete("file_id")
	out.Delete("org_msg")
	out.Delete("header")
	out.Delete("archive_path")
	out.Delete("encrypted_checksums")

	out.SetChecksums("decrypted_checksums", []pipeline.Checksum{
		{Type: pipeline.AlgoSHA256, Value: digest.SHA256()},
		{Type: pipeline.AlgoMD5, Value: digest.MD5()},
	})
	if fc := p.FileChecksum(); fc != "" {
		out.Set("file_checksum", fc)
	}

	reply, err := out.Bytes()
	if err != nil {
		return nil, err
	}

	if err := broker.ValidateJSON(broker.SchemaIngestionCompletion, reply); err != nil {
		return nil, fmt.Errorf("refusing to emit completion: %w", err)
	}

	return reply, nil
}
