// Package codec serializes channel-layer messages to a compact binary wire
// format and back. A message is a plain text-keyed map, the same shape the
// rest of this module carries as metadata.Map; the codec imposes no schema
// beyond what MessagePack itself supports.
package codec

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/channel-layer/core/errors"
	"github.com/channel-layer/core/metadata"
)

// Encode serializes a message to bytes. Byte slices and strings keep their
// distinct wire representation (MessagePack's bin/str family), so a value
// that was binary on the way in decodes back as binary, never as text.
func Encode(message metadata.Map) ([]byte, error) {
	b, err := msgpack.Marshal(message)
	if err != nil {
		return nil, errors.Wrap(err, "encode message")
	}
	return b, nil
}

// Decode reconstructs a message previously produced by Encode. Nested maps
// decode with string keys; nested sequences decode as []interface{}.
func Decode(payload []byte) (metadata.Map, error) {
	var out map[string]interface{}
	if err := msgpack.Unmarshal(payload, &out); err != nil {
		return nil, errors.Wrap(err, "decode message")
	}
	return metadata.Map(out), nil
}
