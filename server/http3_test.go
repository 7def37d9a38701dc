package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/iotest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quicsock/quicsock/message"
	"github.com/quicsock/quicsock/websocket"
)

// drainFrames parses every complete frame written by the server side.
func drainFrames(t *testing.T, buf *bytes.Buffer) []*websocket.Frame {
	t.Helper()
	data := buf.Bytes()
	var frames []*websocket.Frame
	for len(data) > 0 {
		frame, consumed, err := websocket.Parse(data)
		require.NoError(t, err)
		require.NotNil(t, frame, "truncated server frame")
		frames = append(frames, frame)
		data = data[consumed:]
	}
	return frames
}

func maskedFrame(opcode websocket.Opcode, payload []byte) []byte {
	frame := &websocket.Frame{
		Fin:     true,
		Opcode:  opcode,
		Masked:  true,
		MaskKey: [4]byte{0xa1, 0xb2, 0xc3, 0xd4},
		Payload: payload,
	}
	return frame.Encode()
}

func TestWSFrameLoop(t *testing.T) {
	s := newTestServer(t, 10)
	observed, cancel := s.bus.Subscribe()
	defer cancel()

	var input bytes.Buffer
	input.Write(maskedFrame(websocket.OpcodeText, []byte("hello")))
	input.Write(maskedFrame(websocket.OpcodeBinary, []byte{0x01, 0x02}))
	input.Write(maskedFrame(websocket.OpcodePing, []byte("X")))
	input.Write(maskedFrame(websocket.OpcodeClose, []byte{0x03, 0xe8})) // 1000

	var output bytes.Buffer
	sender := newH3Sender(&output, nil)
	log := zerolog.Nop()
	s.wsFrameLoop(&input, sender, &log)

	frames := drainFrames(t, &output)
	require.Len(t, frames, 4)

	assert.Equal(t, websocket.OpcodeText, frames[0].Opcode)
	assert.Equal(t, "hello", string(frames[0].Payload))
	assert.False(t, frames[0].Masked, "server frames are unmasked")

	assert.Equal(t, websocket.OpcodeBinary, frames[1].Opcode)
	assert.Equal(t, []byte{0x01, 0x02}, frames[1].Payload)

	assert.Equal(t, websocket.OpcodePong, frames[2].Opcode)
	assert.Equal(t, "X", string(frames[2].Payload))

	assert.Equal(t, websocket.OpcodeClose, frames[3].Opcode)

	// Inbound text is mirrored onto the broadcast bus.
	select {
	case frame := <-observed:
		text, ok := frame.Body.(message.Text)
		require.True(t, ok)
		assert.Equal(t, "hello", text.Content)
	default:
		t.Fatal("expected observed frame on bus")
	}
}

func TestWSFrameLoopUnmaskedClientFrame(t *testing.T) {
	s := newTestServer(t, 10)

	// Mask bit zero must still parse.
	var input bytes.Buffer
	input.Write((&websocket.Frame{Fin: true, Opcode: websocket.OpcodeText, Payload: []byte("bare")}).Encode())
	input.Write(maskedFrame(websocket.OpcodeClose, nil))

	var output bytes.Buffer
	sender := newH3Sender(&output, nil)
	log := zerolog.Nop()
	s.wsFrameLoop(&input, sender, &log)

	frames := drainFrames(t, &output)
	require.Len(t, frames, 2)
	assert.Equal(t, "bare", string(frames[0].Payload))
}

func TestWSFrameLoopSplitAcrossReads(t *testing.T) {
	s := newTestServer(t, 10)

	encoded := maskedFrame(websocket.OpcodeText, []byte("split"))
	encoded = append(encoded, maskedFrame(websocket.OpcodeClose, nil)...)

	// One byte per Read forces the rolling buffer to reassemble.
	var output bytes.Buffer
	sender := newH3Sender(&output, nil)
	log := zerolog.Nop()
	s.wsFrameLoop(iotest.OneByteReader(bytes.NewReader(encoded)), sender, &log)

	frames := drainFrames(t, &output)
	require.Len(t, frames, 2)
	assert.Equal(t, "split", string(frames[0].Payload))
}

func TestH3SenderRendering(t *testing.T) {
	var buf bytes.Buffer
	sender := newH3Sender(&buf, nil)

	require.NoError(t, sender.Send(message.New(message.Text{Content: "hi", Timestamp: 1})))
	require.NoError(t, sender.Send(message.New(message.Binary{Data: []byte{0x09}, Timestamp: 2})))
	require.NoError(t, sender.Send(message.New(message.Ping{Timestamp: 3})))
	require.NoError(t, sender.Send(message.New(message.ServerPush{Topic: "stocks", Content: "up", Timestamp: 4})))
	require.NoError(t, sender.Send(message.New(message.Close{Code: 1000, Reason: "bye"})))

	frames := drainFrames(t, &buf)
	require.Len(t, frames, 5)

	assert.Equal(t, websocket.OpcodeText, frames[0].Opcode)
	assert.Equal(t, "hi", string(frames[0].Payload))
	assert.Equal(t, websocket.OpcodeBinary, frames[1].Opcode)
	assert.Equal(t, websocket.OpcodePing, frames[2].Opcode)

	assert.Equal(t, websocket.OpcodeText, frames[3].Opcode)
	assert.Contains(t, string(frames[3].Payload), `"server_push"`)
	assert.Contains(t, string(frames[3].Payload), "stocks")

	assert.Equal(t, websocket.OpcodeClose, frames[4].Opcode)
	code, reason := websocket.ParseClose(frames[4].Payload)
	assert.Equal(t, uint16(1000), code)
	assert.Equal(t, "bye", reason)
}

func TestH3SenderRefusesAfterClose(t *testing.T) {
	var buf bytes.Buffer
	sender := newH3Sender(&buf, nil)
	sender.markClosed()
	assert.Error(t, sender.Send(message.New(message.Text{Content: "hi", Timestamp: 1})))
}

func TestStatusPage(t *testing.T) {
	s := newTestServer(t, 10)
	id, _ := admit(t, s)
	shake(t, s, id, "Alice")

	recorder := httptest.NewRecorder()
	s.serveStatusPage(recorder)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Header().Get("Content-Type"), "text/html")
	body := recorder.Body.String()
	assert.Contains(t, body, "Test Server")
	assert.Contains(t, body, "Active connections: 1")
}

func TestH3HandlerRoutesNonUpgradeToStatusPage(t *testing.T) {
	s := newTestServer(t, 10)

	handler := s.h3Handler(nil)
	request := httptest.NewRequest(http.MethodGet, "/", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "QUIC WebSocket server is running")
}
