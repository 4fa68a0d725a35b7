// Package storage provides access to inbox and archive storage through a
// common backend abstraction covering POSIX file trees and S3-compatible
// object stores.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"seqvault/internal/bytesize"
)

// Driver names accepted in configuration.
const (
	DriverPosix = "FileStorage"
	DriverS3    = "S3Storage"
)

// A Backend stores and retrieves archive objects. Paths handed to Exists,
// FileSize, NewFileReader and Copy are storage relative: POSIX backends
// resolve them against their configured prefix, S3 backends use them
// verbatim as object keys. Location derives the canonical storage path for
// a database file id.
type Backend interface {
	Location(fileID int64) string
	Exists(ctx context.Context, path string) bool
	FileSize(ctx context.Context, path string) (int64, error)
	NewFileReader(ctx context.Context, path string) (io.ReadSeekCloser, error)
	Copy(ctx context.Context, src io.Reader, path string) (int64, error)
}

// PosixConf configures a file system backed backend. Inbox locations may
// carry a single %s placeholder which is replaced with the submitter id.
type PosixConf struct {
	Location  string `mapstructure:"location"`
	Separator string `mapstructure:"separator"`
}

// S3Conf configures an S3 compatible backend.
type S3Conf struct {
	URL            string        `mapstructure:"url"`
	Region         string        `mapstructure:"region"`
	Bucket         string        `mapstructure:"bucket"`
	AccessKey      string        `mapstructure:"accesskey"`
	SecretKey      string        `mapstructure:"secretkey"`
	PathStyle      bool          `mapstructure:"pathstyle"`
	CACert         string        `mapstructure:"cacert"`
	ClientCert     string        `mapstructure:"clientcert"`
	ClientKey      string        `mapstructure:"clientkey"`
	ConnectTimeout time.Duration `mapstructure:"connecttimeout"`

	// ChunkSize is the multipart upload part size, accepting values
	// like "32MiB". Default: 32MiB.
	ChunkSize   bytesize.ByteSize `mapstructure:"chunksize"`
	Concurrency int               `mapstructure:"concurrency"`
}

// Conf selects and configures a storage backend.
type Conf struct {
	Driver string    `mapstructure:"driver" validate:"required,oneof=FileStorage S3Storage"`
	Posix  PosixConf `mapstructure:"posix"`
	S3     S3Conf    `mapstructure:"s3"`
}

// NewBackend builds the backend selected by c.Driver. The user argument
// scopes POSIX inboxes whose location carries a placeholder; S3 backends
// ignore it because inbox keys already embed the submitter's directory.
func NewBackend(ctx context.Context, c Conf, user string) (Backend, error) {
	switch c.Driver {
	case DriverPosix:
		return newPosixBackend(c.Posix, user)
	case DriverS3:
		return newS3Backend(ctx, c.S3)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", c.Driver)
	}
}
