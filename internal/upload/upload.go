// Package upload stores receipt files on local disk and serves them back.
package upload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"rimborsi/internal/core"
	"rimborsi/internal/log"
)

// PathPrefix is the URL prefix receipts are served under.
const PathPrefix = "/uploads/"

const sniffLen = 3072

var allowedTypes = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"application/pdf",
}

var (
	ErrUnsupportedType = core.Invalid("receipt", "must be an image or a PDF")
	ErrEmptyFile       = core.Invalid("receipt", "is empty")
)

// Store writes receipts under a directory with random names.
type Store struct {
	dir      string
	maxBytes int64
	logger   *log.Logger
}

// New creates dir if needed.
func New(dir string, maxBytes int64, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Store{dir: dir, maxBytes: maxBytes, logger: logger.WithComponent(log.ComponentUpload)}, nil
}

// MaxBytes is the largest accepted receipt.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Save sniffs the content type, then streams r to disk. It returns the
// public reference path of the stored file.
func (s *Store) Save(r io.Reader) (string, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read receipt: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return "", ErrEmptyFile
	}

	mtype := mimetype.Detect(head)
	if !mimetype.EqualsAny(mtype.String(), allowedTypes...) {
		return "", fmt.Errorf("%w (got %s)", ErrUnsupportedType, mtype.String())
	}

	tmp, err := os.CreateTemp(s.dir, ".receipt-*")
	if err != nil {
		return "", fmt.Errorf("create receipt: %w", err)
	}
	defer os.Remove(tmp.Name())

	body := io.MultiReader(bytes.NewReader(head), r)
	written, err := io.Copy(tmp, io.LimitReader(body, s.maxBytes+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("write receipt: %w", err)
	}
	if written > s.maxBytes {
		return "", core.Invalid("receipt", "must be at most %d bytes", s.maxBytes)
	}

	name := uuid.NewString() + mtype.Extension()
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return "", fmt.Errorf("store receipt: %w", err)
	}

	s.logger.Debug("Receipt stored", "name", name, "content_type", mtype.String(), "bytes", written)
	return PathPrefix + name, nil
}

// Remove deletes a stored receipt by its reference path. Unknown references
// are ignored.
func (s *Store) Remove(ref string) error {
	name, ok := strings.CutPrefix(ref, PathPrefix)
	if !ok || name == "" || strings.ContainsAny(name, `/\`) {
		return nil
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove receipt: %w", err)
	}
	return nil
}

// Handler serves stored receipts under PathPrefix without directory
// listings.
func (s *Store) Handler() http.Handler {
	files := http.StripPrefix(PathPrefix, http.FileServer(http.Dir(s.dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, PathPrefix)
		if name == "" || strings.HasSuffix(name, "/") || strings.HasPrefix(name, ".") {
			http.NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
}
