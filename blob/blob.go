// Package blob stores opaque audio assets by key.
//
// The engine never looks inside a blob; jobs and deliveries carry keys.
package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"

	"github.com/teranos/studioos/am"
	"github.com/teranos/studioos/errors"
)

// Store gets and puts blobs by key
type Store interface {
	// Get opens the blob stored under key. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Put stores the contents of r under a new key
	Put(ctx context.Context, r io.Reader) (string, error)
}

// keyPattern matches keys minted by Put (uuid, lower-case hex)
var keyPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// ValidKey reports whether key could have been minted by Put
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// FSStore keeps blobs as files in one directory
type FSStore struct {
	dir string
}

// NewFSStore creates the directory if needed
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, errors.NewInvalidRequestError("blob directory is required")
	}
	if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to create blob directory %s", dir)
	}
	return &FSStore{dir: dir}, nil
}

// Dir returns the storage directory
func (s *FSStore) Dir() string { return s.dir }

// Get opens the blob for key
func (s *FSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if !ValidKey(key) {
		return nil, errors.NewInvalidRequestError("malformed blob key %q", key)
	}
	f, err := os.Open(filepath.Join(s.dir, key))
	if os.IsNotExist(err) {
		return nil, errors.NewNotFoundError("blob %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open blob %s", key)
	}
	return f, nil
}

// Put writes r to a temporary file and renames it into place, so a
// partially written blob is never visible under its key
func (s *FSStore) Put(ctx context.Context, r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", errors.Wrap(err, "failed to create blob file")
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: r}); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "failed to write blob")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "failed to write blob")
	}

	key := uuid.New().String()
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, key)); err != nil {
		return "", errors.Wrapf(err, "failed to store blob %s", key)
	}
	return key, nil
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
