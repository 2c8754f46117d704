package protocol

import "errors"

// Sentinel errors shared by codecs, the bus adapter and the participants.
var (
	// ErrDecode marks bytes that are not a serialized envelope or lack a required field.
	ErrDecode = errors.New("decode envelope")
	// ErrEncode marks an envelope whose message cannot round-trip through the wire format.
	ErrEncode = errors.New("encode envelope")
	// ErrProtocolViolation marks an unknown command, wrong addressing or a payload shape mismatch.
	ErrProtocolViolation = errors.New("protocol violation")
)
