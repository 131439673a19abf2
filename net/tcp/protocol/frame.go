package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	m "github.com/Meander-Cloud/go-relay/message"
)

// header of seven bytes
// 0 - pre-designated bit pattern indicating valid message
// 1 - protocol version
// 2 - frame kind
// 3,4,5,6 - payload length of type uint32, little endian byte order

func newFrameBuffer(kind Kind) *bytes.Buffer {
	buffer := new(bytes.Buffer)
	buffer.Grow(typicalBufferLen)

	buffer.WriteByte(protocolPattern)
	buffer.WriteByte(protocolVersion)
	buffer.WriteByte(byte(kind))

	// placeholder for payload length
	buffer.WriteByte(0x00)
	buffer.WriteByte(0x00)
	buffer.WriteByte(0x00)
	buffer.WriteByte(0x00)

	return buffer
}

func sealFrameBuffer(buffer *bytes.Buffer, maxPayloadLen uint32) ([]byte, error) {
	buf := buffer.Bytes()
	// do not access buffer beyond this point

	bufLen := len(buf)
	if bufLen < headerLen {
		return nil, fmt.Errorf("invalid written buf=%X", buf)
	}

	// update payload length placeholder
	var payloadLen uint32 = uint32(bufLen - headerLen)
	if maxPayloadLen != 0 && payloadLen > maxPayloadLen {
		return nil, fmt.Errorf("%w: payloadLen=%d, max=%d", ErrPayloadTooLarge, payloadLen, maxPayloadLen)
	}
	binary.LittleEndian.PutUint32(buf[3:headerLen], payloadLen)

	return buf, nil
}

// EncodeFrame returns the wire bytes of one frame.
func EncodeFrame(kind Kind, payload []byte, maxPayloadLen uint32) ([]byte, error) {
	buffer := newFrameBuffer(kind)
	buffer.Write(payload)
	return sealFrameBuffer(buffer, maxPayloadLen)
}

// EncodeRegister returns the wire bytes of the registration marker frame.
func EncodeRegister() []byte {
	buf, _ := EncodeFrame(KindRegister, []byte(RegisterMarker), 0)
	return buf
}

// EncodeMessage returns the wire bytes of one chat frame carrying messageStruct.
func EncodeMessage(messageStruct *m.Message, maxPayloadLen uint32) ([]byte, error) {
	buffer := newFrameBuffer(KindChat)

	err := msgpack.NewEncoder(buffer).Encode(messageStruct)
	if err != nil {
		return nil, fmt.Errorf("msgpack failed to encode messageStruct=%+v, err=%w", messageStruct, err)
	}

	return sealFrameBuffer(buffer, maxPayloadLen)
}

// DecodeMessage decodes the payload of a chat frame.
func DecodeMessage(frame *Frame) (*m.Message, error) {
	if frame.Kind != KindChat {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedKind, frame.Kind)
	}

	messageStruct := new(m.Message)
	err := msgpack.Unmarshal(frame.Payload, messageStruct)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload bytes %X, err=%w", frame.Payload, err)
	}
	if messageStruct.Chat == nil {
		return nil, fmt.Errorf("missing chat in messageStruct=%+v", messageStruct)
	}

	return messageStruct, nil
}

// ReadFrame reads exactly one frame from r. It never reads past the end of
// the frame, so r may be handed over to another reader afterwards.
func ReadFrame(r io.Reader, maxPayloadLen uint32) (*Frame, error) {
	buf1 := make([]byte, headerLen)
	_, err := io.ReadFull(r, buf1)
	if err != nil {
		return nil, err
	}

	// protocol specific sanity check
	if buf1[0] != protocolPattern {
		return nil, fmt.Errorf("%w: header bytes %X", ErrInvalidPattern, buf1)
	}
	if buf1[1] != protocolVersion {
		return nil, fmt.Errorf("%w: header bytes %X", ErrUnsupportedVersion, buf1)
	}
	kind := Kind(buf1[2])
	if kind != KindRegister && kind != KindChat {
		return nil, fmt.Errorf("%w: header bytes %X", ErrUnknownKind, buf1)
	}

	payloadLen := binary.LittleEndian.Uint32(buf1[3:headerLen])
	if maxPayloadLen != 0 && payloadLen > maxPayloadLen {
		return nil, fmt.Errorf("%w: payloadLen=%d in header bytes %X", ErrPayloadTooLarge, payloadLen, buf1)
	}

	buf2 := make([]byte, payloadLen)
	_, err = io.ReadFull(r, buf2)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return &Frame{
		Kind:    kind,
		Payload: buf2,
	}, nil
}
