package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"

	"tallycam/internal/types"
)

var errNotAFrame = errors.New("message is not a frame")

// ZMQDevice pulls CBOR frame messages from a camera bridge:
//
//	{ "type": "frame", "seq": <uint>, "captured_at": <unix seconds>, "format": "jpeg", "data": <bytes> }
//
// format is "jpeg", "png" or "raw" (see FormatRaw).
// Other message types are skipped.
type ZMQDevice struct {
	socket   *zmq4.Socket
	recorder Recorder
	timeout  time.Duration
}

func OpenZMQ(endpoint string, opts Options) (*ZMQDevice, error) {
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, err
	}
	timeout := opts.ReadTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	// recv returns EAGAIN after the timeout so Read can observe ctx
	if err := socket.SetRcvtimeo(250 * time.Millisecond); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.SetRcvhwm(4); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}
	return &ZMQDevice{socket: socket, recorder: opts.Recorder, timeout: timeout}, nil
}

func (d *ZMQDevice) Read(ctx context.Context) (image.Image, error) {
	deadline := time.Now().Add(d.timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := d.socket.RecvBytes(0)
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
				if time.Now().After(deadline) {
					return nil, fmt.Errorf("no frame within %s", d.timeout)
				}
				continue
			}
			return nil, fmt.Errorf("recv: %w", err)
		}
		if d.recorder != nil {
			// a full disk must not stop capture
			_ = d.recorder.Record(msg)
		}
		img, err := DecodeFrameMessage(msg)
		if errors.Is(err, errNotAFrame) {
			continue
		}
		return img, err
	}
}

func (d *ZMQDevice) Close() error {
	return d.socket.Close()
}

// EncodeFrameMessage builds the CBOR frame message for an encoded image.
func EncodeFrameMessage(seq uint64, at time.Time, format string, data []byte) ([]byte, error) {
	return cbor.Marshal(types.FrameMessage{
		Type:       types.MessageFrame,
		Seq:        seq,
		CapturedAt: float64(at.UnixNano()) / 1e9,
		Format:     format,
		Data:       data,
	})
}

// DecodeFrameMessage decodes a CBOR frame message into an image.
func DecodeFrameMessage(payload []byte) (image.Image, error) {
	var msg types.FrameMessage
	if err := cbor.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode CBOR frame: %w", err)
	}
	if msg.Type != types.MessageFrame {
		return nil, errNotAFrame
	}
	if len(msg.Data) == 0 {
		return nil, errors.New("frame message has no data")
	}
	if msg.Format == FormatRaw {
		return decodeRawFrame(msg.Data)
	}
	return decodeImage(msg.Data)
}
