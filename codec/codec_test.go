package codec

import (
	"testing"

	tdd "github.com/stretchr/testify/assert"

	"github.com/channel-layer/core/metadata"
)

func ExampleEncode() {
	msg := metadata.Map{
		"type": "chat.message",
		"text": "hello",
	}
	if _, err := Encode(msg); err != nil {
		panic(err)
	}
}

func TestRoundTrip(t *testing.T) {
	assert := tdd.New(t)
	cases := []metadata.Map{
		{"text": "hello world"},
		{"binary": []byte{0x00, 0x01, 0xff, 0xfe}},
		{"n": 42},
		{"f": 3.5},
		{"ok": true},
		{"nothing": nil},
		{"nested": metadata.Map{"a": 1, "b": "two"}},
		{"list": []interface{}{"a", 1, true}},
	}
	for _, in := range cases {
		b, err := Encode(in)
		assert.Nil(err, "encode %+v", in)

		out, err := Decode(b)
		assert.Nil(err, "decode %+v", in)
		for k, v := range in {
			if bin, ok := v.([]byte); ok {
				assert.Equal(bin, out[k])
				continue
			}
			assert.EqualValues(v, out[k])
		}
	}
}

func TestDistinguishesTextFromBinary(t *testing.T) {
	assert := tdd.New(t)
	b, err := Encode(metadata.Map{"payload": []byte("not a string")})
	assert.Nil(err)

	out, err := Decode(b)
	assert.Nil(err)
	_, isBinary := out["payload"].([]byte)
	assert.True(isBinary, "binary value must decode back as []byte, not string")
}
