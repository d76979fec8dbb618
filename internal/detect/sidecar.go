package detect

import (
	"bytes"
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tallycam/internal/types"
)

// Sidecar is the serving end of Remote: a REP socket that answers detect
// requests with a wrapped Detector.
type Sidecar struct {
	socket   *zmq4.Socket
	detector Detector
	quality  int
	logger   *zap.SugaredLogger
}

// Listen binds endpoint. The socket belongs to Serve from then on.
func Listen(endpoint string, d Detector, logger *zap.SugaredLogger) (*Sidecar, error) {
	socket, err := zmq4.NewSocket(zmq4.REP)
	if err != nil {
		return nil, err
	}
	err = multierr.Combine(
		socket.SetLinger(0),
		// recv wakes up regularly so Serve can observe ctx
		socket.SetRcvtimeo(250*time.Millisecond),
		socket.Bind(endpoint),
	)
	if err != nil {
		return nil, multierr.Append(err, socket.Close())
	}
	return &Sidecar{socket: socket, detector: d, quality: 85, logger: logger}, nil
}

// Serve answers requests until ctx is done, then closes the socket.
func (s *Sidecar) Serve(ctx context.Context) error {
	defer s.socket.Close()
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := s.socket.RecvBytes(0)
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
				continue
			}
			return fmt.Errorf("recv: %w", err)
		}
		resp := s.handle(ctx, msg)
		if resp.Error != "" {
			s.logger.Warnw("detect request failed", "seq", resp.Seq, "error", resp.Error)
		}
		payload, err := cbor.Marshal(resp)
		if err != nil {
			return fmt.Errorf("marshal reply: %w", err)
		}
		if _, err := s.socket.SendBytes(payload, 0); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}
}

func (s *Sidecar) handle(ctx context.Context, msg []byte) types.DetectResponse {
	var req types.DetectRequest
	if err := cbor.Unmarshal(msg, &req); err != nil {
		return types.DetectResponse{Type: types.MessageResult, Error: "decode request: " + err.Error()}
	}
	resp := types.DetectResponse{Type: types.MessageResult, Seq: req.Seq}
	if req.Type != types.MessageDetect {
		resp.Error = fmt.Sprintf("unexpected message type %q", req.Type)
		return resp
	}
	img, err := types.DecodeImage(req.Image)
	if err != nil {
		resp.Error = "decode image: " + err.Error()
		return resp
	}

	result, err := s.detector.Detect(ctx, types.Frame{Seq: req.Seq, CapturedAt: time.Now(), Image: img})
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Objects = make([]types.DetectedObject, 0, len(result.Observations))
	for _, o := range result.Observations {
		resp.Objects = append(resp.Objects, types.DetectedObject{
			ID:  o.ID,
			Box: [4]int{o.Box.Min.X, o.Box.Min.Y, o.Box.Max.X, o.Box.Max.Y},
		})
	}
	if result.Rendered != nil {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, result.Rendered, imaging.JPEG, imaging.JPEGQuality(s.quality)); err != nil {
			resp.Error = "encode rendered image: " + err.Error()
			return resp
		}
		resp.Format = "jpeg"
		resp.Image = buf.Bytes()
	}
	return resp
}
