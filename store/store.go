// Package store implements the Record Store: a durable,
// crash-safe key->value record database. It is deliberately storage-format
// agnostic — the zone index uses a stable binary encoding (encoding/gob),
// the reservation index uses JSON, chosen because reservations evolve more
// often than the zone schema.
package store

import "context"

// Initer is optionally implemented by T to initialize zero-value fields
// (e.g. nil maps) after deserialization or when the backing file is empty.
type Initer interface {
	Init()
}

// Store provides locked read/modify/write access to a data file.
// T is the top-level structure managed by the store.
type Store[T any] interface {
	// With loads the data under lock and passes it to fn. The lock is held
	// for the duration of fn. If *T implements Initer, Init() runs first.
	With(ctx context.Context, fn func(*T) error) error
	// Update performs a read-modify-write under lock. If fn returns nil the
	// data is persisted transactionally before Update returns.
	Update(ctx context.Context, fn func(*T) error) error
}
