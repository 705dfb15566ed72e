package store

import (
	"context"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"

	"github.com/zonelabs/zoned/lock"
	"github.com/zonelabs/zoned/utils"
)

// FileStore provides flock-protected read/modify/write access to a single
// data file, using the given Codec for the wire format. T is the top-level
// structure stored in the file.
//
// Writes are transactional and durable before Update returns: the new
// encoding is written to a temp file, fsynced, and renamed over the target
// (utils.AtomicWriteFile), so a crash mid-write never exposes a partial file.
type FileStore[T any] struct {
	locker   lock.Locker
	filePath string
	codec    Codec[T]
}

// NewFileStore creates a FileStore for the given lock and data file paths.
func NewFileStore[T any](locker lock.Locker, filePath string, codec Codec[T]) *FileStore[T] {
	return &FileStore[T]{locker: locker, filePath: filePath, codec: codec}
}

// With loads the file under flock and passes the deserialized data to fn.
// If the file does not exist, fn receives a zero-value T. A file that fails
// to decode is treated as StoreCorruption: it is logged and dropped (fn
// receives a zero-value T) rather than failing the whole operation.
func (s *FileStore[T]) With(ctx context.Context, fn func(*T) error) error {
	if err := s.locker.Lock(ctx); err != nil {
		return fmt.Errorf("lock %s: %w", s.filePath, err)
	}
	defer s.locker.Unlock(ctx) //nolint:errcheck

	var data T
	raw, err := os.ReadFile(s.filePath) //nolint:gosec // internal store path
	switch {
	case err == nil:
		if decErr := s.codec.Decode(raw, &data); decErr != nil {
			log.WithFunc("store.With").Warnf(ctx, "corrupt store %s, dropping: %v", s.filePath, decErr)
			data = *new(T)
		}
	case os.IsNotExist(err):
		// zero-value T.
	default:
		return fmt.Errorf("read %s: %w", s.filePath, err)
	}

	initData(&data)
	return fn(&data)
}

// Update performs a read-modify-write on the file under flock. If fn returns
// nil the data is atomically written back before Update returns.
func (s *FileStore[T]) Update(ctx context.Context, fn func(*T) error) error {
	if err := s.locker.Lock(ctx); err != nil {
		return fmt.Errorf("lock %s: %w", s.filePath, err)
	}
	defer s.locker.Unlock(ctx) //nolint:errcheck

	var data T
	raw, err := os.ReadFile(s.filePath) //nolint:gosec // internal store path
	switch {
	case err == nil:
		if decErr := s.codec.Decode(raw, &data); decErr != nil {
			log.WithFunc("store.Update").Warnf(ctx, "corrupt store %s, dropping: %v", s.filePath, decErr)
			data = *new(T)
		}
	case os.IsNotExist(err):
		// zero-value T.
	default:
		return fmt.Errorf("read %s: %w", s.filePath, err)
	}

	initData(&data)
	if err := fn(&data); err != nil {
		return err
	}

	encoded, err := s.codec.Encode(&data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.filePath, err)
	}
	return utils.AtomicWriteFile(s.filePath, encoded, 0o640)
}

func initData[T any](data *T) {
	if initer, ok := any(data).(Initer); ok {
		initer.Init()
	}
}
