package protocol

import "fmt"

// Codec serializes envelopes for the bus. Encode failures wrap ErrEncode and
// Decode failures wrap ErrDecode. Decode(Encode(e)) must equal e for every
// envelope built with NewEnvelope.
type Codec interface {
	Name() string
	Encode(env Envelope) ([]byte, error)
	Decode(data []byte) (Envelope, error)
}

// Wire is the flat four-key shape shared by every codec.
type Wire struct {
	Command       string         `json:"command" msgpack:"command"`
	SourceID      string         `json:"source_id" msgpack:"source_id"`
	DestinationID string         `json:"destination_id" msgpack:"destination_id"`
	Message       map[string]any `json:"message" msgpack:"message"`
}

// ToWire flattens e for serialization.
func ToWire(e Envelope) (Wire, error) {
	if e.IsZero() || e.sourceID == "" || e.destinationID == "" {
		return Wire{}, fmt.Errorf("%w: envelope is incomplete", ErrEncode)
	}
	msg, err := NormalizeMessage(e.message)
	if err != nil {
		return Wire{}, err
	}
	return Wire{
		Command:       string(e.command),
		SourceID:      e.sourceID,
		DestinationID: e.destinationID,
		Message:       msg,
	}, nil
}

// FromWire rebuilds an Envelope from its decoded wire shape, enforcing the
// required fields.
func FromWire(w Wire) (Envelope, error) {
	switch {
	case w.Command == "":
		return Envelope{}, fmt.Errorf("%w: missing command", ErrDecode)
	case w.SourceID == "":
		return Envelope{}, fmt.Errorf("%w: missing source_id", ErrDecode)
	case w.DestinationID == "":
		return Envelope{}, fmt.Errorf("%w: missing destination_id", ErrDecode)
	}
	env, err := NewEnvelope(Command(w.Command), w.SourceID, w.DestinationID, w.Message)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: message: %v", ErrDecode, err)
	}
	return env, nil
}
