package protocol

import (
	"errors"
	"fmt"
)

// Broadcast is the destination id that addresses every participant on the bus.
const Broadcast = "broadcast"

// Envelope is the unit of exchange on the bus. It is immutable: fields are only
// set by NewEnvelope and the message accessor hands out copies.
type Envelope struct {
	command       Command
	sourceID      string
	destinationID string
	message       Message
}

// NewEnvelope builds an Envelope after normalizing msg into its wire form. It does
// not check the command taxonomy; use Validate for that.
func NewEnvelope(command Command, sourceID, destinationID string, msg map[string]any) (Envelope, error) {
	if command == "" {
		return Envelope{}, errors.New("envelope command is required")
	}
	if sourceID == "" {
		return Envelope{}, errors.New("envelope source_id is required")
	}
	if destinationID == "" {
		return Envelope{}, errors.New("envelope destination_id is required")
	}
	normalized, err := NormalizeMessage(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("%s message: %w", command, err)
	}
	return Envelope{
		command:       command,
		sourceID:      sourceID,
		destinationID: destinationID,
		message:       normalized,
	}, nil
}

// Command returns the envelope command.
func (e Envelope) Command() Command { return e.command }

// SourceID returns the sending participant id.
func (e Envelope) SourceID() string { return e.sourceID }

// DestinationID returns the addressed participant id or Broadcast.
func (e Envelope) DestinationID() string { return e.destinationID }

// Message returns a copy of the payload.
func (e Envelope) Message() Message { return e.message.Clone() }

// IsZero reports whether e was never constructed.
func (e Envelope) IsZero() bool { return e.command == "" }

// IsBroadcast reports whether e addresses every participant.
func (e Envelope) IsBroadcast() bool { return e.destinationID == Broadcast }

// IsFor reports whether the participant id should act on e.
func (e Envelope) IsFor(participantID string) bool {
	return e.destinationID == Broadcast || e.destinationID == participantID
}

// String renders a compact description for logs.
func (e Envelope) String() string {
	return fmt.Sprintf("%s %s->%s", e.command, e.sourceID, e.destinationID)
}

// Validate checks e against the command taxonomy: the command must be known, the
// destination must match the command's addressing and the message must have the
// expected shape. Failures wrap ErrProtocolViolation.
func Validate(e Envelope) error {
	rule, ok := taxonomy[e.command]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", ErrProtocolViolation, e.command)
	}
	switch rule.addressing {
	case AddressBroadcast:
		if !e.IsBroadcast() {
			return fmt.Errorf("%w: %s must be broadcast", ErrProtocolViolation, e.command)
		}
	case AddressUnicast:
		if e.IsBroadcast() {
			return fmt.Errorf("%w: %s must be unicast", ErrProtocolViolation, e.command)
		}
	}
	if rule.validate == nil {
		if len(e.message) != 0 {
			return fmt.Errorf("%w: %s carries no payload", ErrProtocolViolation, e.command)
		}
		return nil
	}
	if err := rule.validate(e.message); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrProtocolViolation, e.command, err)
	}
	return nil
}
