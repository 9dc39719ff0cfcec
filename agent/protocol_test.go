package agent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLineRoundTrip(t *testing.T) {
	messages := []Message{
		{Kind: KindHello, Version: 1, AgentID: "claude"},
		{Kind: KindJoinRoom, RoomID: "dev"},
		{Kind: KindSend, RoomID: "dev", Body: "hello from the agent"},
		{Kind: KindRoomEvent, RoomID: "dev", PeerID: "alice", Body: "hi", Timestamp: 1_700_000_000_000},
		{Kind: KindBye},
	}

	for _, msg := range messages {
		line, err := EncodeLine(msg)
		require.NoError(t, err)
		require.Equal(t, byte('\n'), line[len(line)-1], "lines are newline-terminated")

		decoded, err := DecodeLine(line[:len(line)-1])
		require.NoError(t, err)
		require.Equal(t, msg, decoded)
	}
}

func TestDecodeLineRejectsGarbage(t *testing.T) {
	_, err := DecodeLine([]byte("not json at all"))
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)

	_, err = DecodeLine([]byte(`{"agent_id":"x"}`))
	require.ErrorAs(t, err, &protoErr, "a message without a type is invalid")
}

func TestValidateAgentID(t *testing.T) {
	require.NoError(t, ValidateAgentID("claude"))
	require.NoError(t, ValidateAgentID("agent_2-beta"))

	var invalid *InvalidAgentIDError
	require.ErrorAs(t, ValidateAgentID(""), &invalid)
	require.ErrorAs(t, ValidateAgentID("has spaces"), &invalid)
	require.ErrorAs(t, ValidateAgentID("way/too/pathy"), &invalid)
}

func TestValidateHello(t *testing.T) {
	require.NoError(t, ValidateHello(Message{Kind: KindHello, Version: 1, AgentID: "claude"}))

	var protoErr *ProtocolError
	require.ErrorAs(t,
		ValidateHello(Message{Kind: KindSend, Version: 1, AgentID: "claude"}),
		&protoErr, "first message must be hello")
	require.ErrorAs(t,
		ValidateHello(Message{Kind: KindHello, Version: 2, AgentID: "claude"}),
		&protoErr, "version mismatch is rejected")

	var invalid *InvalidAgentIDError
	require.ErrorAs(t,
		ValidateHello(Message{Kind: KindHello, Version: 1, AgentID: ""}),
		&invalid)
}
