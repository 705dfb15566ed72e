package store

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
)

// Codec marshals/unmarshals the top-level store value T to/from bytes.
type Codec[T any] interface {
	Encode(v *T) ([]byte, error)
	Decode(data []byte, v *T) error
}

// GobCodec is the stable binary encoding used for the zone index.
type GobCodec[T any] struct{}

func (GobCodec[T]) Encode(v *T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec[T]) Decode(data []byte, v *T) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// JSONCodec is used for the reservation index, which evolves more often
// than the zone schema.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v *T) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (JSONCodec[T]) Decode(data []byte, v *T) error {
	return json.Unmarshal(data, v)
}
