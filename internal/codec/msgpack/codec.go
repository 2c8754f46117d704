// Package msgpack implements a MessagePack envelope codec carrying the same four
// keys as the JSON wire format.
package msgpack

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/JakeFAU/crawlfleet/internal/protocol"
)

// Name is the codec identifier used in configuration.
const Name = "msgpack"

// Codec encodes envelopes as MessagePack maps.
type Codec struct{}

// New returns a MessagePack codec.
func New() *Codec {
	return &Codec{}
}

// Name implements protocol.Codec.
func (c *Codec) Name() string {
	return Name
}

// Encode implements protocol.Codec.
func (c *Codec) Encode(env protocol.Envelope) ([]byte, error) {
	wire, err := protocol.ToWire(env)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(wire); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrEncode, err)
	}
	return buf.Bytes(), nil
}

// Decode implements protocol.Codec. Numbers of every msgpack width are widened
// to float64 by FromWire, so envelopes round-trip.
func (c *Codec) Decode(data []byte) (protocol.Envelope, error) {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	dec.DisallowUnknownFields(true)

	var wire protocol.Wire
	if err := dec.Decode(&wire); err != nil {
		return protocol.Envelope{}, fmt.Errorf("%w: %v", protocol.ErrDecode, err)
	}
	if r.Len() > 0 {
		return protocol.Envelope{}, fmt.Errorf("%w: trailing data after envelope", protocol.ErrDecode)
	}
	return protocol.FromWire(wire)
}
