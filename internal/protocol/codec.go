package protocol

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const frameHeaderBytes = 4

// DefaultMaxFrameBytes bounds a single frame when no explicit limit is given.
const DefaultMaxFrameBytes = 1 << 20

var (
	ErrZeroLengthFrame = errors.New("frame length zero")
	ErrFrameTooLarge   = errors.New("frame exceeds size limit")
	// ErrMalformedEnvelope marks a complete frame whose body is not a valid
	// envelope. The stream stays usable.
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// Encoder writes envelopes as length-prefixed JSON frames. It is safe for
// concurrent use; each frame is written atomically.
type Encoder struct {
	mu     sync.Mutex
	writer io.Writer
}

// Decoder reads envelopes from length-prefixed JSON frames.
type Decoder struct {
	reader   *bufio.Reader
	maxFrame uint32
}

// NewEncoder creates a new encoder for the given writer.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{writer: w}
}

// NewDecoder creates a decoder rejecting frames larger than maxFrame bytes.
// A non-positive maxFrame selects DefaultMaxFrameBytes.
func NewDecoder(r io.Reader, maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &Decoder{reader: bufio.NewReader(r), maxFrame: uint32(maxFrame)}
}

// Encode writes the envelope to the underlying writer.
func (e *Encoder) Encode(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	frame := make([]byte, frameHeaderBytes+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[frameHeaderBytes:], data)

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.writer.Write(frame)
	return err
}

// Decode reads the next envelope from the stream.
func (d *Decoder) Decode(ctx context.Context) (Envelope, error) {
	var env Envelope

	header := make([]byte, frameHeaderBytes)
	if err := d.readFull(ctx, header); err != nil {
		return env, err
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return env, ErrZeroLengthFrame
	}
	if length > d.maxFrame {
		return env, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, d.maxFrame)
	}

	payload := make([]byte, length)
	if err := d.readFull(ctx, payload); err != nil {
		return env, err
	}

	if err := json.Unmarshal(payload, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	return env, nil
}

func (d *Decoder) readFull(ctx context.Context, buf []byte) error {
	read := 0
	for read < len(buf) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := d.reader.Read(buf[read:])
		read += n
		if err != nil {
			if errors.Is(err, io.EOF) && read > 0 && read < len(buf) {
				return io.ErrUnexpectedEOF
			}
			if read == len(buf) {
				return nil
			}
			return err
		}
	}
	return nil
}
