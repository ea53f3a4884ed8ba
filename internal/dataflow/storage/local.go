// Package storage keeps uploaded files on the local filesystem until their batch is finished.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
	"github.com/G-Research/dataflow/internal/common/util"
)

type FileStore interface {
	Save(ctx context.Context, clientIdentifier string, fileName string, r io.Reader) (*StoredFile, error)
	Exists(path string) (bool, error)
	Open(path string) (io.ReadCloser, error)
	Delete(path string) error
	// DeleteDirIfEmpty removes the directory holding path if nothing else is left in it.
	DeleteDirIfEmpty(path string) error
	// DeleteTree removes the directory holding path together with everything in it.
	DeleteTree(path string) error
}

type StoredFile struct {
	Path      string
	SizeBytes int64
	// Lowercase hex SHA-256 of the content
	Checksum string
}

// LocalStore writes every upload to its own directory, <root>/<client>/<yyyyMMdd>/<ulid>/<fileName>.
type LocalStore struct {
	root  string
	clock clock.Clock
}

func NewLocalStore(root string, clock clock.Clock) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	return &LocalStore{root: abs, clock: clock}, nil
}

func (s *LocalStore) Root() string {
	return s.root
}

// Save streams r to disk, computing the checksum and size on the way. A partially written file is removed.
func (s *LocalStore) Save(ctx context.Context, clientIdentifier string, fileName string, r io.Reader) (*StoredFile, error) {
	name := filepath.Base(filepath.Clean("/" + fileName))
	if name == "/" || name == "." {
		return nil, errors.WithStack(&dataflowerrors.ErrInvalidArgument{Name: "fileName", Value: fileName, Message: "file name cannot be empty"})
	}
	client := sanitizeSegment(clientIdentifier)
	if client == "" {
		return nil, errors.WithStack(&dataflowerrors.ErrInvalidArgument{Name: "clientIdentifier", Value: clientIdentifier, Message: "client identifier cannot be empty"})
	}
	dir := filepath.Join(s.root, client, s.clock.Now().UTC().Format("20060102"), util.NewULID())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	hash := sha256.New()
	size, copyErr := io.Copy(io.MultiWriter(f, hash), &contextReader{ctx: ctx, r: r})
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		if err := os.RemoveAll(dir); err != nil {
			log.WithError(err).Warnf("failed to remove partial upload %s", dir)
		}
		if copyErr != nil {
			return nil, errors.Wrapf(copyErr, "failed to store %s", name)
		}
		return nil, errors.WithStack(closeErr)
	}
	return &StoredFile{Path: path, SizeBytes: size, Checksum: hex.EncodeToString(hash.Sum(nil))}, nil
}

func (s *LocalStore) Exists(path string) (bool, error) {
	if err := s.checkPath(path); err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	return !info.IsDir(), nil
}

// Open returns ErrNotFound if there is no file at path.
func (s *LocalStore) Open(path string) (io.ReadCloser, error) {
	if err := s.checkPath(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, errors.WithStack(&dataflowerrors.ErrNotFound{Type: "file", Value: path})
	}
	return f, errors.WithStack(err)
}

// Delete removes the file at path. Deleting a missing file is not an error.
func (s *LocalStore) Delete(path string) error {
	if err := s.checkPath(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	return nil
}

func (s *LocalStore) DeleteDirIfEmpty(path string) error {
	dir, err := s.uploadDir(path)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.WithStack(err)
	}
	if len(entries) > 0 {
		return nil
	}
	return errors.WithStack(os.Remove(dir))
}

func (s *LocalStore) DeleteTree(path string) error {
	dir, err := s.uploadDir(path)
	if err != nil {
		return err
	}
	return errors.WithStack(os.RemoveAll(dir))
}

// uploadDir returns the per-upload directory of path, refusing anything that is not strictly below
// the client/day level of the root.
func (s *LocalStore) uploadDir(path string) (string, error) {
	if err := s.checkPath(path); err != nil {
		return "", err
	}
	dir := filepath.Dir(filepath.Clean(path))
	rel, err := filepath.Rel(s.root, dir)
	if err != nil {
		return "", errors.WithStack(err)
	}
	if len(strings.Split(rel, string(filepath.Separator))) != 3 {
		return "", errors.WithStack(&dataflowerrors.ErrInvalidArgument{Name: "path", Value: path, Message: "not an upload path"})
	}
	return dir, nil
}

func (s *LocalStore) checkPath(path string) error {
	rel, err := filepath.Rel(s.root, filepath.Clean(path))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errors.WithStack(&dataflowerrors.ErrInvalidArgument{Name: "path", Value: path, Message: "path is outside the storage root"})
	}
	return nil
}

func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
	return s
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
