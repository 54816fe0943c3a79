package zwave

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Serial API control bytes.
const (
	SOF byte = 0x01
	ACK byte = 0x06
	NAK byte = 0x15
	CAN byte = 0x18
)

// FrameType distinguishes requests from responses.
type FrameType byte

const (
	// Request frames are commands, or unsolicited reports from the
	// controller.
	Request FrameType = 0x00
	// Response frames answer a host request.
	Response FrameType = 0x01
)

// FuncID is a Serial API function identifier.
type FuncID byte

const (
	// FuncGetVersion returns the controller's library version string and
	// library type.
	FuncGetVersion FuncID = 0x15
)

const (
	// MaxPayloadSize is the largest payload a frame can carry. LEN is one
	// byte and also counts TYPE, FUNC and the checksum.
	MaxPayloadSize = 252

	// frameOverhead is what LEN counts besides the payload.
	frameOverhead = 3

	// versionLen is the width of the NUL-padded version string in a
	// FuncGetVersion response.
	versionLen = 12
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

var (
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrChecksum is returned when a received frame fails its checksum.
	ErrChecksum = errors.New("frame checksum mismatch")
	// ErrUnexpectedByte is returned when the stream holds something other
	// than what the link layer expects at that point.
	ErrUnexpectedByte = errors.New("unexpected byte on serial link")
	// ErrNAK is returned when the controller rejects a frame.
	ErrNAK = errors.New("frame rejected by controller (NAK)")
	// ErrCAN is returned when the controller cancels a frame because it was
	// sending at the same time.
	ErrCAN = errors.New("frame cancelled by controller (CAN)")
)

// ///////////////////////////////////////////////
// Frame
// ///////////////////////////////////////////////

// Frame is a Serial API data frame.
type Frame struct {
	Type    FrameType
	Func    FuncID
	Payload []byte
}

func (f Frame) String() string {
	kind := "REQ"
	if f.Type == Response {
		kind = "RES"
	}
	return fmt.Sprintf("%s func=0x%02x payload=% x", kind, byte(f.Func), f.Payload)
}

// checksum is 0xFF XOR every byte from LEN through the payload.
func checksum(b []byte) byte {
	sum := byte(0xFF)
	for _, c := range b {
		sum ^= c
	}
	return sum
}

// ///////////////////////////////////////////////
// Frame Encoding
// ///////////////////////////////////////////////

// EncodeFrame builds a data frame: [SOF][LEN][TYPE][FUNC][payload][CHK].
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(f.Payload), MaxPayloadSize)
	}
	frame := make([]byte, 0, 2+frameOverhead+len(f.Payload))
	frame = append(frame, SOF, byte(frameOverhead+len(f.Payload)), byte(f.Type), byte(f.Func))
	frame = append(frame, f.Payload...)
	return append(frame, checksum(frame[1:])), nil
}

// ///////////////////////////////////////////////
// Frame Decoding
// ///////////////////////////////////////////////

// DecodeFrame reads one data frame from r, starting at its SOF. A control
// byte where SOF was expected is reported as ErrNAK, ErrCAN or
// ErrUnexpectedByte.
func DecodeFrame(r io.Reader) (Frame, error) {
	var lead [1]byte
	if _, err := io.ReadFull(r, lead[:]); err != nil {
		return Frame{}, fmt.Errorf("reading frame start: %w", err)
	}
	if err := controlError(lead[0]); err != nil {
		return Frame{}, err
	}
	return decodeBody(r)
}

// decodeBody reads the rest of a frame whose SOF has been consumed.
func decodeBody(r io.Reader) (Frame, error) {
	var length [1]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return Frame{}, fmt.Errorf("reading frame length: %w", err)
	}
	n := int(length[0])
	if n < frameOverhead {
		return Frame{}, fmt.Errorf("%w: frame length %d", ErrUnexpectedByte, n)
	}

	body := make([]byte, n+1)
	body[0] = length[0]
	if _, err := io.ReadFull(r, body[1:]); err != nil {
		return Frame{}, fmt.Errorf("reading frame body: %w", err)
	}
	if want, got := checksum(body[:n]), body[n]; want != got {
		return Frame{}, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrChecksum, got, want)
	}

	return Frame{
		Type:    FrameType(body[1]),
		Func:    FuncID(body[2]),
		Payload: bytes.Clone(body[3:n]),
	}, nil
}

// controlError maps a byte read where SOF was expected to an error, or nil
// for SOF itself.
func controlError(b byte) error {
	switch b {
	case SOF:
		return nil
	case NAK:
		return ErrNAK
	case CAN:
		return ErrCAN
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnexpectedByte, b)
	}
}

// ///////////////////////////////////////////////
// Version Response
// ///////////////////////////////////////////////

// Version is the controller's answer to FuncGetVersion.
type Version struct {
	// Library is the version string, e.g. "Z-Wave 4.05".
	Library string
	// LibraryType identifies the controller library (static, bridge, ...).
	LibraryType byte
}

// ParseVersion decodes a FuncGetVersion response payload.
func ParseVersion(payload []byte) (Version, error) {
	if len(payload) < versionLen+1 {
		return Version{}, fmt.Errorf("%w: version payload is %d bytes, want %d", ErrUnexpectedByte, len(payload), versionLen+1)
	}
	lib := payload[:versionLen]
	if i := bytes.IndexByte(lib, 0); i >= 0 {
		lib = lib[:i]
	}
	return Version{Library: string(lib), LibraryType: payload[versionLen]}, nil
}
