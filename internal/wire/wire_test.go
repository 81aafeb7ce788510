package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestHeaderRoundTrip(t *testing.T) {
	h := RequestHeader{Magic: Magic, Cmd: CmdGetBlock, Size: 4096, Handle: 0x42, Offset: 8192}
	buf := make([]byte, RequestHeaderSize)
	require.NoError(t, h.Encode(buf))

	var got RequestHeader
	require.NoError(t, got.Decode(buf))
	assert.Equal(t, h, got)
}

func TestRequestHeaderBadMagic(t *testing.T) {
	h := RequestHeader{Magic: 0xdead, Cmd: CmdGetBlock}
	buf := make([]byte, RequestHeaderSize)
	require.NoError(t, h.Encode(buf))

	var got RequestHeader
	err := got.Decode(buf)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestReplyHeaderRoundTrip(t *testing.T) {
	h := ReplyHeader{Magic: Magic, Cmd: CmdError, Size: 0, Handle: 7}
	buf := make([]byte, ReplyHeaderSize)
	require.NoError(t, h.Encode(buf))

	var got ReplyHeader
	require.NoError(t, got.Decode(buf))
	assert.Equal(t, h, got)
}

func TestHeaderDecodeShortBuffer(t *testing.T) {
	var h RequestHeader
	assert.Error(t, h.Decode(make([]byte, 4)))

	var r ReplyHeader
	assert.Error(t, r.Decode(make([]byte, 4)))
}

func TestSelectImageRequestRoundTrip(t *testing.T) {
	req := SelectImageRequest{ProtocolVersion: 4, Name: "ubuntu-22.04", RevisionID: 7, IsServer: true}
	w := NewWriter(4096)
	require.NoError(t, req.Encode(w))

	var got SelectImageRequest
	require.NoError(t, got.Decode(NewReader(w.Bytes())))
	assert.Equal(t, req, got)
}

func TestGetServersReplyRoundTrip(t *testing.T) {
	reply := GetServersReply{Servers: []AltServerEntry{
		{Host: "10.0.0.1", Port: 5003, ProtocolVersion: 4, IsPrivate: true, Comment: "primary"},
		{Host: "10.0.0.2", Port: 5003, ProtocolVersion: 4, IsClientOnly: true},
	}}
	w := NewWriter(4096)
	require.NoError(t, reply.Encode(w))

	var got GetServersReply
	require.NoError(t, got.Decode(NewReader(w.Bytes())))
	assert.Equal(t, reply, got)
}

func TestReaderUnderflow(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02})
	_, err := r.GetUint32()
	assert.ErrorIs(t, err, ErrUnderflow)
}

func TestWriterOverflow(t *testing.T) {
	w := NewWriter(2)
	assert.ErrorIs(t, w.PutUint32(1), ErrOverflow)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "GET_BLOCK", CmdGetBlock.String())
	assert.Equal(t, "UNKNOWN", Command(99).String())
}
