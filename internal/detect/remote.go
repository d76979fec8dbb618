package detect

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
	"go.uber.org/multierr"

	"tallycam/internal/types"
)

// Remote sends frames to a detector sidecar over ZeroMQ REQ sockets:
//
//	request  { "type": "detect", "seq": n, "format": "jpeg", "image": <bytes> }
//	response { "type": "result", "seq": n, "format": "jpeg", "image": <bytes>,
//	           "objects": [ { "id": 7, "box": [x0, y0, x1, y1] } ], "error": "" }
//
// Each in-flight call holds one socket from a fixed pool. With a pool of one
// socket, calls must be serialized by the caller (see Serialized).
type Remote struct {
	endpoint string
	timeout  time.Duration
	quality  int
	pool     chan *zmq4.Socket
}

func DialRemote(endpoint string, timeout time.Duration, sockets int) (*Remote, error) {
	if sockets < 1 {
		sockets = 1
	}
	r := &Remote{
		endpoint: endpoint,
		timeout:  timeout,
		quality:  85,
		pool:     make(chan *zmq4.Socket, sockets),
	}
	for i := 0; i < sockets; i++ {
		socket, err := r.dial()
		if err != nil {
			return nil, multierr.Append(err, r.Close())
		}
		r.pool <- socket
	}
	return r, nil
}

func (r *Remote) dial() (*zmq4.Socket, error) {
	socket, err := zmq4.NewSocket(zmq4.REQ)
	if err != nil {
		return nil, err
	}
	err = multierr.Combine(
		socket.SetLinger(0),
		socket.SetSndtimeo(r.timeout),
		socket.SetRcvtimeo(r.timeout),
		socket.Connect(r.endpoint),
	)
	if err != nil {
		return nil, multierr.Append(err, socket.Close())
	}
	return socket, nil
}

func (r *Remote) Detect(ctx context.Context, frame types.Frame) (Result, error) {
	if frame.Image == nil {
		return Result{}, fmt.Errorf("%w: frame %d has no image", ErrDetectorFailure, frame.Seq)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, frame.Image, imaging.JPEG, imaging.JPEGQuality(r.quality)); err != nil {
		return Result{}, fmt.Errorf("%w: encode request: %w", ErrDetectorFailure, err)
	}
	payload, err := cbor.Marshal(types.DetectRequest{
		Type:   types.MessageDetect,
		Seq:    frame.Seq,
		Format: "jpeg",
		Image:  buf.Bytes(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: marshal request: %w", ErrDetectorFailure, err)
	}

	var socket *zmq4.Socket
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case socket = <-r.pool:
	}
	if socket == nil {
		if socket, err = r.dial(); err != nil {
			r.pool <- nil
			return Result{}, fmt.Errorf("%w: redial: %w", ErrDetectorFailure, err)
		}
	}
	reply, err := roundTrip(socket, payload)
	if err != nil {
		// a REQ socket that missed its reply cannot send again; the next
		// call dials a fresh one
		_ = socket.Close()
		r.pool <- nil
		return Result{}, err
	}
	r.pool <- socket

	return DecodeResponse(reply, frame.Seq)
}

func roundTrip(socket *zmq4.Socket, payload []byte) ([]byte, error) {
	if _, err := socket.SendBytes(payload, 0); err != nil {
		return nil, classify(err, "send")
	}
	reply, err := socket.RecvBytes(0)
	if err != nil {
		return nil, classify(err, "recv")
	}
	return reply, nil
}

func classify(err error, op string) error {
	if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
		return fmt.Errorf("%w: %w: %s", ErrDetectorFailure, ErrTimeout, op)
	}
	return fmt.Errorf("%w: %s: %w", ErrDetectorFailure, op, err)
}

// DecodeResponse parses a sidecar reply for frame seq.
func DecodeResponse(payload []byte, seq uint64) (Result, error) {
	var resp types.DetectResponse
	if err := cbor.Unmarshal(payload, &resp); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %w", ErrDetectorFailure, err)
	}
	if resp.Error != "" {
		return Result{}, fmt.Errorf("%w: sidecar: %s", ErrDetectorFailure, resp.Error)
	}
	if resp.Type != types.MessageResult || resp.Seq != seq {
		return Result{}, fmt.Errorf("%w: unexpected reply %q for seq %d (want %d)", ErrDetectorFailure, resp.Type, resp.Seq, seq)
	}

	result := Result{Observations: make([]types.TrackedObservation, 0, len(resp.Objects))}
	for _, obj := range resp.Objects {
		result.Observations = append(result.Observations, types.TrackedObservation{
			ID:  obj.ID,
			Box: image.Rect(obj.Box[0], obj.Box[1], obj.Box[2], obj.Box[3]),
		})
	}
	if len(resp.Image) > 0 {
		img, err := types.DecodeImage(resp.Image)
		if err != nil {
			return Result{}, fmt.Errorf("%w: decode rendered image: %w", ErrDetectorFailure, err)
		}
		result.Rendered = img
	}
	return result, nil
}

// Close closes the idle sockets. It must not race with Detect.
func (r *Remote) Close() error {
	var err error
	for {
		select {
		case socket := <-r.pool:
			if socket != nil {
				err = multierr.Append(err, socket.Close())
			}
		default:
			return err
		}
	}
}

var _ Detector = (*Remote)(nil)
