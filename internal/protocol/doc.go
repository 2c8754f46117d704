// Package protocol defines the fleet wire vocabulary: the Envelope exchanged on the
// bus, the command taxonomy, the typed payloads carried by each command and the
// validation rules that separate well-formed traffic from protocol violations.
//
// Every participant (the dispatcher and each scraper) speaks this package. Codecs
// under internal/codec turn envelopes into bytes; the bus adapter drops anything
// that fails Decode or Validate before it reaches a handler.
package protocol
