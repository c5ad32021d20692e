// Package bodystore holds request/response bodies the proxies see: small
// bodies stay inline for logging, large ones are externalized to disk so
// the event store never has to hold megabytes of payload in a row.
package bodystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/clawpot/clawpotd/internal/errx"
)

// InlineThreshold is the largest body kept inline; anything bigger is
// written to disk instead.
const InlineThreshold = 64 * 1024

// ErrWrite is returned when an externalized body cannot be written.
var ErrWrite = errors.New("bodystore: write external body")

// Body is either held inline in memory or written to disk; exactly one
// of its accessors applies.
type Body struct {
	inline []byte
	path   string
}

// InlineBytes returns the body's bytes and true if it was stored inline.
func (b Body) InlineBytes() ([]byte, bool) {
	if b.path != "" {
		return nil, false
	}
	return b.inline, true
}

// ExternalPath returns the on-disk path and true if the body was
// externalized.
func (b Body) ExternalPath() (string, bool) {
	if b.path == "" {
		return "", false
	}
	return b.path, true
}

// Store keeps bodies under one directory, threshold-splitting between
// inline and on-disk storage.
type Store struct {
	dir       string
	threshold int
}

// New creates the storage directory if needed and returns a Store using
// the default inline threshold.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errx.Wrap(ErrWrite, err)
	}
	return &Store{dir: dir, threshold: InlineThreshold}, nil
}

// Put stores body, either inline or externalized to
// "<dir>/<requestID>_<suffix>.bin". suffix is "req" or "resp".
func (s *Store) Put(requestID int64, suffix string, body []byte) (Body, error) {
	if len(body) <= s.threshold {
		return Body{inline: append([]byte(nil), body...)}, nil
	}

	path := filepath.Join(s.dir, fmt.Sprintf("%d_%s.bin", requestID, suffix))
	if err := os.WriteFile(path, body, 0644); err != nil {
		return Body{}, errx.With(ErrWrite, " %s: %v", path, err)
	}
	return Body{path: path}, nil
}
