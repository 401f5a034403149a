// Package blob stores attachment payloads in Badger and hands back public
// URLs under which the HTTP layer serves them.
package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/Tyrowin/livechat/internal/chat"
)

const (
	dataPrefix = "blob:data:"
	typePrefix = "blob:type:"

	maxKeyAttempts = 3
)

var (
	// ErrNotFound is returned by Open for an unknown key.
	ErrNotFound = fmt.Errorf("blob %w", chat.ErrNotFound)
	// ErrKeyExists is returned when a generated key is already taken.
	ErrKeyExists = errors.New("blob key already exists")
	// ErrEmpty rejects zero-length uploads.
	ErrEmpty = errors.New("empty blob")
)

// Store is a chat.BlobStore backed by a Badger database.
type Store struct {
	db      *badger.DB
	baseURL string
	logger  *slog.Logger
	now     func() time.Time
	newKey  func(now time.Time, filename string) string
	update  func(fn func(txn *badger.Txn) error) error
}

// Open opens (or creates) the Badger directory dir. Stored blobs are
// addressed as baseURL + "/files/" + key.
func Open(dir, baseURL string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("opening blob store: %w", err)
	}
	return &Store{
		db:      db,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("component", "blob"),
		now:     time.Now,
		newKey:  generateKey,
		update:  db.Update,
	}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Store writes upload under a fresh key. A key collision never overwrites
// the existing object; a new key is generated instead.
func (s *Store) Store(ctx context.Context, upload chat.Upload) (chat.Attachment, error) {
	if len(upload.Data) == 0 {
		return chat.Attachment{}, ErrEmpty
	}
	contentType := resolveContentType(upload)

	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return chat.Attachment{}, err
		}
		key := s.newKey(s.now(), upload.Filename)
		err := s.write(ctx, key, func(txn *badger.Txn) error {
			if _, err := txn.Get([]byte(dataPrefix + key)); err == nil {
				return ErrKeyExists
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set([]byte(dataPrefix+key), upload.Data); err != nil {
				return err
			}
			return txn.Set([]byte(typePrefix+key), []byte(contentType))
		})
		if errors.Is(err, ErrKeyExists) || errors.Is(err, badger.ErrConflict) {
			s.logger.Warn("blob key collision, retrying", "key", key, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return chat.Attachment{}, fmt.Errorf("writing blob: %w", err)
		}

		s.logger.Debug("blob stored", "key", key, "content_type", contentType, "size", len(upload.Data))
		return chat.Attachment{
			URL:         s.baseURL + "/files/" + key,
			ContentType: contentType,
			Size:        int64(len(upload.Data)),
		}, nil
	}
	return chat.Attachment{}, ErrKeyExists
}

// write runs fn in a read-write transaction. Badger transactions do not
// take a context, so the caller stops waiting once ctx is done; a write that
// lands afterwards is logged and left in place.
func (s *Store) write(ctx context.Context, key string, fn func(txn *badger.Txn) error) error {
	done := make(chan error, 1)
	go func() { done <- s.update(fn) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		go func() {
			if err := <-done; err == nil {
				s.logger.Warn("blob written after its deadline", "key", key)
			}
		}()
		return ctx.Err()
	}
}

// Open returns the content type and bytes stored under key.
func (s *Store) Open(key string) (string, []byte, error) {
	var (
		contentType string
		data        []byte
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(dataPrefix + key))
		if err != nil {
			return err
		}
		if data, err = item.ValueCopy(nil); err != nil {
			return err
		}
		item, err = txn.Get([]byte(typePrefix + key))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		contentType = string(raw)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("reading blob: %w", err)
	}
	return contentType, data, nil
}

// activeTypes can run script when rendered by a browser. Files are served
// from the chat origin, so these are stored as opaque bytes.
var activeTypes = map[string]struct{}{
	"text/html":              {},
	"application/xhtml+xml":  {},
	"image/svg+xml":          {},
	"text/xml":               {},
	"application/xml":        {},
	"text/javascript":        {},
	"application/javascript": {},
}

// resolveContentType trusts the declared type unless it is missing or
// generic, in which case the payload is sniffed. Active types are
// downgraded to application/octet-stream either way.
func resolveContentType(upload chat.Upload) string {
	contentType := strings.TrimSpace(upload.ContentType)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(upload.Data).String()
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "application/octet-stream"
	}
	if _, active := activeTypes[mediaType]; active {
		return "application/octet-stream"
	}
	return contentType
}

// generateKey mirrors "<millis>-<name>" keys with a random component so two
// uploads of the same file never share a key.
func generateKey(now time.Time, filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) > 10 || strings.ContainsAny(ext, "/\\?#% ") {
		ext = ""
	}
	return fmt.Sprintf("%d-%s%s", now.UnixMilli(), uuid.NewString(), ext)
}
