package pipeline

import (
	"errors"
	"fmt"
)

// UserError marks a fault caused by the submitter's input rather than
// by the platform. The error log records these with from_user set so
// operators can tell broken submissions from broken infrastructure.
type UserError struct {
	// Class is the stable name written to the error log.
	Class string

	msg string
}

func (e *UserError) Error() string {
	return e.msg
}

// IsUserError reports whether err, anywhere in its chain, is a
// submitter fault.
func IsUserError(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}

// NotFoundInInbox means the submitted file disappeared from the inbox
// before ingestion picked it up.
func NotFoundInInbox(filename string) *UserError {
	return &UserError{
		Class: "NotFoundInInbox",
		msg:   fmt.Sprintf("inbox missing file: %s", filename),
	}
}

func UnsupportedHashAlgorithm(algo string) *UserError {
	return &UserError{
		Class: "UnsupportedHashAlgorithm",
		msg:   fmt.Sprintf("unsupported hash algorithm: %q", algo),
	}
}

// CompanionNotFound means no sidecar checksum file sits next to the
// submitted file.
func CompanionNotFound(name string) *UserError {
	return &UserError{
		Class: "CompanionNotFound",
		msg:   fmt.Sprintf("companion file not found for %s", name),
	}
}

// ChecksumMismatch means the file content does not match the checksum
// the submitter claimed for it. decrypted selects the wording for the
// original (plaintext) file over the encrypted one.
func ChecksumMismatch(algo, file string, decrypted bool) *UserError {
	state := "encrypted"
	if decrypted {
		state = "original"
	}

	return &UserError{
		Class: "ChecksumMismatch",
		msg:   fmt.Sprintf("invalid %s checksum for the %s file: %s", algo, state, file),
	}
}

// SessionKeyDecryptionError means the master key opened none of the
// header packets, so the envelope was encrypted for someone else.
func SessionKeyDecryptionError(header []byte) *UserError {
	return &UserError{
		Class: "SessionKeyDecryptionError",
		msg:   fmt.Sprintf("unable to decrypt header with master key: %X", header),
	}
}

// SessionKeyReused means a session key digest already sits in the
// ledger, pointing at a replayed or spliced envelope.
func SessionKeyReused(checksum string) *UserError {
	return &UserError{
		Class: "SessionKeyReused",
		msg:   fmt.Sprintf("session key (likely) already used [checksum: %s]", checksum),
	}
}

// Warning flags a benign condition the worker should log and drop
// without recording a fault against the file.
type Warning struct {
	msg string
}

func (w *Warning) Error() string {
	return w.msg
}

// IsWarning reports whether err is benign.
func IsWarning(err error) bool {
	var w *Warning
	return errors.As(err, &w)
}

// AlreadyProcessed notes that the same file and checksum came through
// before.
func AlreadyProcessed(user, filename, checksum, algo string) *Warning {
	return &Warning{
		msg: fmt.Sprintf("file already processed: user=%s name=%s encrypted checksum=%s (%s)",
			user, filename, checksum, algo),
	}
}

// fileIDError tags an error with the database file id it concerns.
type fileIDError struct {
	fileID int64
	err    error
}

func (e *fileIDError) Error() string {
	return e.err.Error()
}

func (e *fileIDError) Unwrap() error {
	return e.err
}

// WithFileID tags err with the file id so the handler wrapper can
// record the fault against the right row. A nil err stays nil.
func WithFileID(fileID int64, err error) error {
	if err == nil {
		return nil
	}

	return &fileIDError{fileID: fileID, err: err}
}

// FileIDFrom extracts a file id tag from anywhere in the chain.
func FileIDFrom(err error) (int64, bool) {
	var tagged *fileIDError
	if errors.As(err, &tagged) {
		return tagged.fileID, true
	}

	return 0, false
}

// errorClass names err for the error log. Submitter faults carry their
// class, everything else is recorded as a generic fault.
func errorClass(err error) string {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue.Class
	}

	return "Error"
}
