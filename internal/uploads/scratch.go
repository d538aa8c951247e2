package uploads

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var ErrTooLarge = errors.New("upload exceeds size limit")

var knownExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".webp": true, ".tif": true, ".tiff": true,
}

// Store writes each upload to its own uniquely named file under dir.
type Store struct {
	dir      string
	maxBytes int64
}

func NewStore(dir string, maxBytes int64) (*Store, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("upload size limit must be positive, got %d", maxBytes)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &Store{dir: dir, maxBytes: maxBytes}, nil
}

func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Scratch is one request's copy of an upload. Release must be called on
// every exit path; it is safe to call more than once.
type Scratch struct {
	ID     string
	Path   string
	Ext    string
	Size   int64
	Digest string

	once sync.Once
	err  error
}

// Save copies src into a fresh file named after a random uuid. The client
// filename only contributes its extension, and only if it is a known one.
func (s *Store) Save(src io.Reader, filename string) (*Scratch, error) {
	id := uuid.NewString()
	ext := extension(filename)
	path := filepath.Join(s.dir, id+ext)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch file: %w", err)
	}

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, hash), io.LimitReader(src, s.maxBytes+1))
	closeErr := f.Close()

	switch {
	case err != nil:
		os.Remove(path)
		return nil, fmt.Errorf("failed to write scratch file: %w", err)
	case closeErr != nil:
		os.Remove(path)
		return nil, fmt.Errorf("failed to close scratch file: %w", closeErr)
	case n > s.maxBytes:
		os.Remove(path)
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.maxBytes)
	}

	return &Scratch{
		ID:     id,
		Path:   path,
		Ext:    ext,
		Size:   n,
		Digest: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// ContentType guesses from the extension; unknown types are octet-stream.
func (sc *Scratch) ContentType() string {
	if ct := mime.TypeByExtension(sc.Ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (sc *Scratch) Release() error {
	sc.once.Do(func() {
		if err := os.Remove(sc.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			sc.err = err
		}
	})
	return sc.err
}

func extension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if knownExts[ext] {
		return ext
	}
	return ".img"
}
