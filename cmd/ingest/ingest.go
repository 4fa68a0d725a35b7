package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/elixir-oslo/crypt4gh/model/headers"
	log "github.com/sirupsen/logrus"

	"seqvault/internal/metrics"
	"seqvault/internal/pipeline"
	"seqvault/internal/storage"
	"seqvault/internal/telemetry"
)

// ingestStore is the slice of the database gateway this worker drives.
type ingestStore interface {
	InsertFile(ctx context.Context, filename, userID string) (int64, error)
	MarkInProgress(ctx context.Context, fileID int64) error
	StoreHeader(ctx context.Context, fileID int64, header []byte) error
	SetArchived(ctx context.Context, fileID int64, archivePath string, archiveFilesize int64) error
	SetFileEncryptedChecksum(ctx context.Context, fileID int64, checksum, checksumType string) error
}

type worker struct {
	db      ingestStore
	inbox   storage.Conf
	archive storage.Backend
	metrics *metrics.Worker
}

// handle processes one submission trigger: register the file, settle
// the checksum of the encrypted envelope, store the header in the
// database and copy the ciphertext body into the archive. The reply
// announces the archived file to the verify stage.
func (w *worker) handle(ctx context.Context, body []byte) ([]byte, error) {
	p, err := pipeline.ParsePayload(body)
	if err != nil {
		return nil, err
	}

	// The trigger is preserved verbatim; the completion message at the
	// end of the pipeline echoes it back to the submitting systems.
	orgMsg := p.Clone()

	user := p.User()
	inboxPath := p.Filepath()
	cleanUser := pipeline.CleanUser(user)

	telemetry.SetAttributes(ctx,
		telemetry.User(user),
		telemetry.FilePath(inboxPath),
	)
	log.WithFields(log.Fields{"user": user, "filepath": inboxPath}).Info("ingesting file")

	fileID, err := w.db.InsertFile(ctx, inboxPath, cleanUser)
	if err != nil {
		return nil, fmt.Errorf("registering file: %w", err)
	}
	telemetry.SetAttributes(ctx, telemetry.FileID(fileID))

	// The inbox is scoped per submitter, so it is opened per message.
	inbox, err := storage.NewBackend(ctx, w.inbox, cleanUser)
	if err != nil {
		return nil, pipeline.WithFileID(fileID, fmt.Errorf("opening inbox: %w", err))
	}

	if !inbox.Exists(ctx, inboxPath) {
		return nil, pipeline.WithFileID(fileID, pipeline.NotFoundInInbox(inboxPath))
	}

	if err := w.db.MarkInProgress(ctx, fileID); err != nil {
		return nil, pipeline.WithFileID(fileID, err)
	}

	f, err := inbox.NewFileReader(ctx, inboxPath)
	if err != nil {
		return nil, pipeline.WithFileID(fileID, fmt.Errorf("opening inbox file %s: %w", inboxPath, err))
	}
	defer f.Close()

	checksum, algo, err := w.inboxChecksum(ctx, inbox, f, p)
	if err != nil {
		return nil, pipeline.WithFileID(fileID, err)
	}
	telemetry.SetAttributes(ctx, telemetry.Checksum(checksum), telemetry.Algorithm(algo))

	// ReadHeader consumes exactly the header, leaving the stream at the
	// first ciphertext byte.
	header, err := headers.ReadHeader(f)
	if err != nil {
		return nil, pipeline.WithFileID(fileID, fmt.Errorf("reading envelope header: %w", err))
	}

	if err := w.db.StoreHeader(ctx, fileID, header); err != nil {
		return nil, pipeline.WithFileID(fileID, err)
	}

	archivePath := w.archive.Location(fileID)

	archivedSize, err := w.archive.Copy(ctx, f, archivePath)
	if err != nil {
		return nil, pipeline.WithFileID(fileID, fmt.Errorf("copying body to archive: %w", err))
	}
	telemetry.SetAttributes(ctx, telemetry.Bytes(archivedSize))
	w.metrics.AddArchivedBytes(archivedSize)

	if err := w.db.SetArchived(ctx, fileID, archivePath, archivedSize); err != nil {
		return nil, pipeline.WithFileID(fileID, err)
	}

	if err := w.db.SetFileEncryptedChecksum(ctx, fileID, checksum, algo); err != nil {
		return nil, pipeline.WithFileID(fileID, err)
	}

	p.SetFileID(fileID)
	p.SetOrgMsg(orgMsg)
	p.Set("header", hex.EncodeToString(header))
	p.Set("archive_path", archivePath)
	p.Set("file_checksum", checksum)
	p.Delete("encrypted_checksums")

	reply, err := p.Bytes()
	if err != nil {
		return nil, pipeline.WithFileID(fileID, err)
	}

	log.WithFields(log.Fields{
		"file_id":      fileID,
		"archive_path": archivePath,
		"bytes":        archivedSize,
	}).Info("file archived")

	return reply, nil
}

// inboxChecksum settles the checksum of the encrypted envelope: a
// sha256 supplied in the message wins, then a companion file verified
// against the stream, then a fresh sha256 of the stream. The reader
// comes back rewound to byte zero either way.
func (w *worker) inboxChecksum(ctx context.Context, inbox storage.Backend, f io.ReadSeeker, p pipeline.Payload) (string, string, error) {
	if supplied, ok := pipeline.SHA256Of(p.EncryptedChecksums()); ok {
		return supplied, pipeline.AlgoSHA256, nil
	}

	value, algo, err := pipeline.FromCompanion(ctx, inbox, p.Filepath())
	switch {
	case err == nil:
		computed, herr := rewoundDigest(f, algo)
		if herr != nil {
			return "", "", herr
		}
		if !strings.EqualFold(computed, value) {
			return "", "", pipeline.ChecksumMismatch(algo, p.Filepath(), false)
		}

		return value, algo, nil

	case pipeline.IsUserError(err):
		// No companion next to the file; compute our own.

	default:
		return "", "", err
	}

	computed, err := rewoundDigest(f, pipeline.AlgoSHA256)
	if err != nil {
		return "", "", err
	}

	return computed, pipeline.AlgoSHA256, nil
}

// rewoundDigest hashes the whole stream and seeks back to the start so
// the header split that follows reads from byte zero.
func rewoundDigest(f io.ReadSeeker, algo string) (string, error) {
	digest, err := pipeline.Calculate(f, algo)
	if err != nil {
		return "", err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding inbox file: %w", err)
	}

	return digest, nil
}
