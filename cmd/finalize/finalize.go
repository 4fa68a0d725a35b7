package main

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"seqvault/internal/pipeline"
	"seqvault/internal/telemetry"
)

// finalizeStore is the slice of the database gateway this worker drives.
type finalizeStore interface {
	SetStableID(ctx context.Context, filepath, user, decryptedChecksum, stableID string) error
}

type worker struct {
	db finalizeStore
}

// handle attaches the accession id the orchestrator assigned to the
// matching verified file and passes the completion on. Accession
// messages carry no file id; the file is addressed by path, submitter
// and plaintext checksum.
func (w *worker) handle(ctx context.Context, body []byte) ([]byte, error) {
	p, err := pipeline.ParsePayload(body)
	if err != nil {
		return nil, err
	}

	accessionID := p.AccessionID()
	user := p.User()
	filePath := p.Filepath()

	sha, ok := pipeline.SHA256Of(p.DecryptedChecksums())
	if !ok {
		return nil, errors.New("message carries no sha256 decrypted checksum")
	}

	telemetry.SetAttributes(ctx,
		telemetry.AccessionID(accessionID),
		telemetry.User(user),
		telemetry.FilePath(filePath),
	)
	log.WithFields(log.Fields{
		"accession_id": accessionID,
		"user":         user,
		"filepath":     filePath,
	}).Info("assigning accession id")

	if err := w.db.SetStableID(ctx, filePath, pipeline.CleanUser(user), sha, accessionID); err != nil {
		return nil, fmt.Errorf("recording accession id: %w", err)
	}

	// The routing marker has done its job; downstream consumers read
	// plain completions.
	p.Delete("type")

	return p.Bytes()
}
