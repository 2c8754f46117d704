// Package json implements the default envelope codec: a flat JSON object with
// exactly the command, source_id, destination_id and message keys.
package json

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/JakeFAU/crawlfleet/internal/protocol"
)

// Name is the codec identifier used in configuration.
const Name = "json"

// Codec encodes envelopes as JSON.
type Codec struct{}

// New returns a JSON codec.
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
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrEncode, err)
	}
	return data, nil
}

// Decode implements protocol.Codec. Unknown top-level keys and trailing data are
// rejected.
func (c *Codec) Decode(data []byte) (protocol.Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var wire protocol.Wire
	if err := dec.Decode(&wire); err != nil {
		return protocol.Envelope{}, fmt.Errorf("%w: %v", protocol.ErrDecode, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return protocol.Envelope{}, fmt.Errorf("%w: trailing data after envelope", protocol.ErrDecode)
	}
	return protocol.FromWire(wire)
}
