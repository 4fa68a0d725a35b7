package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// posixBackend stores objects under a directory prefix on a local or
// network mounted file system.
type posixBackend struct {
	prefix    string
	separator string
}

func newPosixBackend(c PosixConf, user string) (*posixBackend, error) {
	loc := c.Location
	if strings.Contains(loc, "%s") {
		loc = fmt.Sprintf(loc, user)
	}
	if loc == "" {
		return nil, errors.New("storage: posix location not configured")
	}

	sep := c.Separator
	if sep == "" {
		sep = "/"
	}

	return &posixBackend{
		prefix:    strings.TrimRight(loc, "/"),
		separator: sep,
	}, nil
}

// Location fans the zero padded 20 character decimal id out into 3
// character path segments, keeping sibling directories small no matter how
// many files the archive holds.
func (b *posixBackend) Location(fileID int64) string {
	name := fmt.Sprintf("%020d", fileID)
	bits := make([]string, 0, (len(name)+2)/3)
	for i := 0; i < len(name); i += 3 {
		end := min(i+3, len(name))
		bits = append(bits, name[i:end])
	}
	return "/" + strings.Join(bits, "/")
}

func (b *posixBackend) resolve(path string) string {
	return b.prefix + b.separator + strings.TrimLeft(path, "/")
}

func (b *posixBackend) Exists(_ context.Context, path string) bool {
	_, err := os.Stat(b.resolve(path))
	return err == nil
}

func (b *posixBackend) FileSize(_ context.Context, path string) (int64, error) {
	fi, err := os.Stat(b.resolve(path))
	if err != nil {
		return 0, fmt.Errorf("storage: stat %s: %w", path, err)
	}
	return fi.Size(), nil
}

func (b *posixBackend) NewFileReader(_ context.Context, path string) (io.ReadSeekCloser, error) {
	f, err := os.Open(b.resolve(path))
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return f, nil
}

// Copy writes src to path, creating parent directories as needed, and
// returns the size of the stored file as reported by the file system
// rather than the number of bytes written.
func (b *posixBackend) Copy(ctx context.Context, src io.Reader, path string) (int64, error) {
	target := b.resolve(path)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("storage: mkdir for %s: %w", path, err)
	}

	f, err := os.Create(target)
	if err != nil {
		return 0, fmt.Errorf("storage: create %s: %w", path, err)
	}

	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return 0, fmt.Errorf("storage: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("storage: close %s: %w", path, err)
	}

	return b.FileSize(ctx, path)
}
