package database

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"
)

// File statuses as recorded in seqvault.files.status.
const (
	StatusReceived    = "RECEIVED"
	StatusInIngestion = "IN_INGESTION"
	StatusArchived    = "ARCHIVED"
	StatusCompleted   = "COMPLETED"
	StatusReady       = "READY"
	StatusError       = "ERROR"
	StatusDisabled    = "DISABLED"
)

// FileInfo is the diagnostic projection of a file row.
type FileInfo struct {
	InboxPath   string
	ArchivePath string
	StableID    string
	Header      []byte
}

// InsertFile registers a newly announced file for userID and returns the
// assigned file id.
func (db *DB) InsertFile(ctx context.Context, filename, userID string) (int64, error) {
	pool, err := db.ready(ctx)
	if err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("database: insert file: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var fileID int64
	err = tx.QueryRow(ctx,
		"SELECT seqvault.insert_file($1, $2);",
		filename, userID,
	).Scan(&fileID)
	if err != nil {
		return 0, fmt.Errorf("database: insert file: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("database: insert file: %w", err)
	}

	log.Debugf("created id %d for %s", fileID, filename)
	return fileID, nil
}

// MarkInProgress moves the file to IN_INGESTION.
func (db *DB) MarkInProgress(ctx context.Context, fileID int64) error {
	log.Debugf("marking file_id %d with %q", fileID, StatusInIngestion)
	return db.updateFile(ctx, "mark in progress",
		"UPDATE seqvault.files SET status = $1 WHERE id = $2;",
		StatusInIngestion, fileID)
}

// StoreHeader persists the envelope header, hex encoded.
func (db *DB) StoreHeader(ctx context.Context, fileID int64, header []byte) error {
	if len(header) == 0 {
		return errors.New("database: refusing to store an empty header")
	}
	log.Debugf("storing header for file_id %d", fileID)
	return db.updateFile(ctx, "store header",
		"UPDATE seqvault.files SET header = $1 WHERE id = $2;",
		hex.EncodeToString(header), fileID)
}

// SetArchived records the archive location and size and moves the file to
// ARCHIVED.
func (db *DB) SetArchived(ctx context.Context, fileID int64, archivePath string, archiveFilesize int64) error {
	if archivePath == "" {
		return errors.New("database: refusing to archive without a path")
	}
	log.Debugf("setting status to archived for file_id %d", fileID)
	return db.updateFile(ctx, "set archived",
		`UPDATE seqvault.files
		    SET status = $1,
		        archive_path = $2,
		        archive_filesize = $3
		  WHERE id = $4;`,
		StatusArchived, archivePath, archiveFilesize, fileID)
}

// SetFileEncryptedChecksum records the checksum of the envelope as it sat
// in the inbox. The algorithm name is stored upper case.
func (db *DB) SetFileEncryptedChecksum(ctx context.Context, fileID int64, checksum, checksumType string) error {
	return db.updateFile(ctx, "set encrypted checksum",
		`UPDATE seqvault.files
		    SET inbox_file_checksum = $1,
		        inbox_file_checksum_type = upper($2)
		  WHERE id = $3;`,
		checksum, checksumType, fileID)
}

// CheckSessionKeysChecksums reports whether any of the given session key
// checksums was already used by a non-errored file.
func (db *DB) CheckSessionKeysChecksums(ctx context.Context, checksums []string) (bool, error) {
	if len(checksums) == 0 {
		return false, errors.New("database: no session key checksums to check")
	}
	log.Debugf("checking if session keys (hash) are already used: %v", checksums)

	pool, err := db.ready(ctx)
	if err != nil {
		return false, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("database: check session keys: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var found bool
	err = tx.QueryRow(ctx,
		"SELECT seqvault.check_session_keys_checksums_sha256($1);",
		checksums,
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("database: check session keys: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("database: check session keys: %w", err)
	}
	return found, nil
}

// MarkCompleted moves the file to COMPLETED, records the decrypted sha256
// checksum and claims the session key checksums in the ledger. The update
// and the ledger inserts commit or roll back together, the ledger's unique
// constraint being the authoritative reuse guard.
func (db *DB) MarkCompleted(ctx context.Context, fileID int64, sessionKeyChecksums []string, digestSHA256 string) error {
	log.Debugf("marking file_id %d with %q", fileID, StatusCompleted)

	pool, err := db.ready(ctx)
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("database: mark completed: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`UPDATE seqvault.files
		    SET status = $1,
		        archive_file_checksum = $2,
		        archive_file_checksum_type = 'SHA256'
		  WHERE id = $3;`,
		StatusCompleted, digestSHA256, fileID)
	if err != nil {
		return fmt.Errorf("database: mark completed: %w", err)
	}

	for _, checksum := range sessionKeyChecksums {
		_, err = tx.Exec(ctx,
			`INSERT INTO seqvault.session_key_checksums_sha256
			             (file_id, session_key_checksum)
			      VALUES ($1, $2);`,
			fileID, checksum)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%w: %s", ErrDuplicateSessionKey, checksum)
			}
			return fmt.Errorf("database: record session key: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("database: mark completed: %w", err)
	}
	return nil
}

// SetStableID attaches the accession id to the file matched by submitter,
// inbox path and decrypted checksum, moving it to READY. DISABLED files
// never match. A zero row match is not an error; it is logged and the
// completion still flows downstream.
func (db *DB) SetStableID(ctx context.Context, filepath, user, decryptedChecksum, stableID string) error {
	log.Debugf("updating filepath %s for user %s with stable ID %q", filepath, user, stableID)

	pool, err := db.ready(ctx)
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("database: set stable id: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE seqvault.files
		    SET status = $1,
		        stable_id = $2
		  WHERE elixir_id = $3
		    AND inbox_path = $4
		    AND archive_file_checksum = $5
		    AND status != $6;`,
		StatusReady, stableID, user, filepath, decryptedChecksum, StatusDisabled)
	if err != nil {
		return fmt.Errorf("database: set stable id: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("database: set stable id: %w", err)
	}

	if tag.RowsAffected() == 0 {
		log.WithFields(log.Fields{
			"user":     user,
			"filepath": filepath,
			"checksum": decryptedChecksum,
		}).Warnf("stable ID %q matched no file", stableID)
	}
	return nil
}

// GetHeader returns the stored envelope header for fileID.
func (db *DB) GetHeader(ctx context.Context, fileID int64) ([]byte, error) {
	pool, err := db.ready(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("database: get header: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var headerHex *string
	err = tx.QueryRow(ctx,
		"SELECT header FROM seqvault.files WHERE id = $1;",
		fileID,
	).Scan(&headerHex)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("database: get header: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("database: get header: %w", err)
	}

	if headerHex == nil {
		return nil, fmt.Errorf("database: no header stored for id %d", fileID)
	}
	header, err := hex.DecodeString(*headerHex)
	if err != nil {
		return nil, fmt.Errorf("database: header for id %d is not hex: %w", fileID, err)
	}
	return header, nil
}

// GetInfo returns the diagnostic projection of the file row.
func (db *DB) GetInfo(ctx context.Context, fileID int64) (*FileInfo, error) {
	pool, err := db.ready(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("database: get info: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		info        FileInfo
		archivePath *string
		stableID    *string
		headerHex   *string
	)
	err = tx.QueryRow(ctx,
		"SELECT inbox_path, archive_path, stable_id, header FROM seqvault.files WHERE id = $1;",
		fileID,
	).Scan(&info.InboxPath, &archivePath, &stableID, &headerHex)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("database: get info: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("database: get info: %w", err)
	}

	if archivePath != nil {
		info.ArchivePath = *archivePath
	}
	if stableID != nil {
		info.StableID = *stableID
	}
	if headerHex != nil {
		header, err := hex.DecodeString(*headerHex)
		if err != nil {
			return nil, fmt.Errorf("database: header for id %d is not hex: %w", fileID, err)
		}
		info.Header = header
	}
	return &info, nil
}

// SetError records a processing fault for fileID and moves it to ERROR.
func (db *DB) SetError(ctx context.Context, fileID int64, hostname, errorType, msg string, fromUser bool) error {
	log.Debugf("setting error for %d: %s (%s)", fileID, msg, errorType)

	pool, err := db.ready(ctx)
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("database: set error: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		"SELECT seqvault.insert_error($1, $2, $3, $4, $5);",
		fileID, hostname, errorType, msg, fromUser)
	if err != nil {
		return fmt.Errorf("database: set error: %w", err)
	}
	return tx.Commit(ctx)
}

// updateFile runs a single UPDATE inside its own transaction.
func (db *DB) updateFile(ctx context.Context, op, sql string, args ...any) error {
	pool, err := db.ready(ctx)
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("database: %s: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("database: %s: %w", op, err)
	}
	return tx.Commit(ctx)
}
