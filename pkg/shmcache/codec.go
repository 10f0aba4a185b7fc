package shmcache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Codec encodes region documents and the values stored in them.
//
// Unmarshal must reject trailing data after the first value; region padding
// is removed before Unmarshal is called.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default [Codec]. Numbers decode as [json.Number] when the
// destination is untyped, so large integers survive a round trip.
type JSONCodec struct{}

// Marshal encodes v as compact JSON.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes exactly one JSON value from data into v.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	err := dec.Decode(v)
	if err != nil {
		return err
	}

	var extra json.RawMessage

	err = dec.Decode(&extra)
	if errors.Is(err, io.EOF) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("after value: %w", err)
	}

	return fmt.Errorf("unexpected data after value at offset %d", dec.InputOffset()-int64(len(extra)))
}

var _ Codec = JSONCodec{}
