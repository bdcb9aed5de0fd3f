// Package storage owns the scratch directory where uploaded audio lives between
// intake and transcription.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"intakego/internal/apperr"
	"intakego/internal/logger"
	"intakego/internal/models"
)

// DefaultStaleAfter is the age after which a sweep treats a scratch file as orphaned.
const DefaultStaleAfter = 5 * time.Minute

const sniffLen = 512

// Scratch accepts uploads into a directory and reclaims them afterwards.
type Scratch struct {
	dir        string
	maxBytes   int64
	staleAfter time.Duration
	logger     logger.Logger
	now        func() time.Time
}

// NewScratch creates the scratch directory if needed.
func NewScratch(dir string, maxBytes int64, staleAfter time.Duration, log logger.Logger) (*Scratch, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "transcription-uploads")
	}
	if maxBytes <= 0 {
		maxBytes = MaxUploadBytes
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if log == nil {
		log = logger.Nop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Scratch{
		dir:        dir,
		maxBytes:   maxBytes,
		staleAfter: staleAfter,
		logger:     log,
		now:        time.Now,
	}, nil
}

// Dir returns the scratch directory.
func (s *Scratch) Dir() string {
	return s.dir
}

// Upload is an audio payload read straight from the request, so the scratch
// file is the only copy ever written to disk.
type Upload struct {
	FileName    string
	ContentType string
	// Size is the declared length, or -1 when the client did not declare one.
	Size int64
	Body io.Reader
}

// Accept validates an upload and streams it into the scratch directory.
// Nothing is left on disk when it returns an error. Errors of type
// *apperr.Error produced by the body reader are returned unchanged.
func (s *Scratch) Accept(ctx context.Context, up *Upload) (*models.UploadedAudio, error) {
	if up == nil || up.Body == nil {
		return nil, errNoFile
	}
	name := filepath.Base(up.FileName)
	if err := validateAudio(up.FileName, up.ContentType, up.Size, s.maxBytes); err != nil {
		s.logger.Warn(ctx, "rejected upload %q (%s, %d bytes): %v", name, up.ContentType, up.Size, err)
		return nil, err
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(up.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, s.readError(err)
	}
	head = head[:n]
	if looksLikeText(head) {
		s.logger.Warn(ctx, "rejected upload %q: content is not audio", name)
		return nil, errInvalidType
	}

	path, dst, err := s.create(storedExtension(up.FileName, up.ContentType))
	if err != nil {
		return nil, apperr.Internal(err)
	}

	written, err := io.Copy(dst, io.LimitReader(io.MultiReader(bytes.NewReader(head), up.Body), s.maxBytes+1))
	closeErr := dst.Close()
	switch {
	case err != nil:
		s.remove(ctx, path)
		return nil, s.readError(err)
	case closeErr != nil:
		s.remove(ctx, path)
		return nil, apperr.Internal(fmt.Errorf("close scratch file: %w", closeErr))
	case written > s.maxBytes:
		s.remove(ctx, path)
		return nil, FileTooLarge(s.maxBytes)
	}

	s.logger.Info(ctx, "accepted upload %q as %s (%d bytes)", name, filepath.Base(path), written)
	return &models.UploadedAudio{
		Path:      path,
		FileName:  name,
		MimeType:  up.ContentType,
		Size:      written,
		CreatedAt: s.now(),
	}, nil
}

// create opens a fresh scratch file named <unixMillis>-<random><ext>. O_EXCL turns
// a name collision into an error instead of an overwrite.
func (s *Scratch) create(ext string) (string, *os.File, error) {
	name := strconv.FormatInt(s.now().UnixMilli(), 10) + "-" + strconv.Itoa(rand.IntN(1e9)) + ext
	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", nil, fmt.Errorf("create scratch file: %w", err)
	}
	return path, f, nil
}

func (s *Scratch) readError(err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return FileTooLarge(s.maxBytes)
	}
	return apperr.Internal(fmt.Errorf("read upload: %w", err))
}

func (s *Scratch) remove(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Error(ctx, "remove partial scratch file %s: %v", filepath.Base(path), err)
	}
}
