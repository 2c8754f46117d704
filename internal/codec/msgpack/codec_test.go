package msgpack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/JakeFAU/crawlfleet/internal/protocol"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	msgs := []struct {
		cmd  protocol.Command
		dest string
		msg  map[string]any
	}{
		{protocol.CmdGlobalShutdown, protocol.Broadcast, nil},
		{protocol.CmdURLDispatch, "w-1", protocol.URLDispatch{
			URL:       "http://a.example",
			Frequency: time.Hour,
			Payload:   map[string]any{"max_pages": uint8(3), "list": []int{1, 2}, "obj": map[string]any{"k": -4}},
		}.Message()},
		{protocol.CmdStatusReport, "disp", protocol.StatusReport{
			Busy: true, LinkCount: 2, ProcessedLinkCount: 1, TargetURL: "http://a.example",
			StatusDatetime: now, Full: true, State: "busy", ProcessedIDs: []string{"http://a.example"},
		}.Message()},
	}

	codec := New()
	for _, m := range msgs {
		env, err := protocol.NewEnvelope(m.cmd, "src-1", m.dest, m.msg)
		require.NoError(t, err)

		data, err := codec.Encode(env)
		require.NoError(t, err)

		decoded, err := codec.Decode(data)
		require.NoError(t, err)
		require.Equal(t, env, decoded)
		require.NoError(t, protocol.Validate(decoded))
	}
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	unknown, err := msgpack.Marshal(map[string]any{
		"command": "shutdown", "source_id": "a", "destination_id": "b", "message": map[string]any{}, "extra": 1,
	})
	require.NoError(t, err)
	missing, err := msgpack.Marshal(map[string]any{"command": "shutdown", "source_id": "a"})
	require.NoError(t, err)
	valid, err := msgpack.Marshal(map[string]any{
		"command": "shutdown", "source_id": "a", "destination_id": "b", "message": map[string]any{},
	})
	require.NoError(t, err)

	cases := map[string][]byte{
		"garbage":       {0xc1, 0x00},
		"truncated":     valid[:len(valid)-2],
		"unknown key":   unknown,
		"missing dest":  missing,
		"trailing data": append(append([]byte{}, valid...), 0x01),
	}
	codec := New()
	for name, input := range cases {
		_, err := codec.Decode(input)
		require.ErrorIs(t, err, protocol.ErrDecode, name)
	}

	_, err = codec.Decode(valid)
	require.NoError(t, err)
}
