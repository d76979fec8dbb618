package capture

import (
	"context"
	"fmt"
	"image"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const maxFrameBytes = 16 << 20

// MJPEGDevice reads an HTTP camera: a multipart/x-mixed-replace MJPEG stream
// (phone IP-webcam apps serve one at /video) or a single-image snapshot URL
// that is fetched again for every frame. A broken stream is reopened on the
// next Read.
type MJPEGDevice struct {
	url      string
	client   *http.Client
	recorder Recorder
	seq      uint64

	mu     sync.Mutex
	body   io.ReadCloser
	parts  *multipart.Reader
	single bool
}

// OpenMJPEG connects once so an unreachable camera fails at startup.
func OpenMJPEG(ctx context.Context, url string, opts Options) (*MJPEGDevice, error) {
	timeout := opts.ReadTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &MJPEGDevice{
		url:      url,
		recorder: opts.Recorder,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
				ResponseHeaderTimeout: timeout,
			},
		},
	}
	resp, err := d.get(ctx)
	if err != nil {
		return nil, err
	}
	if err := d.attach(resp); err != nil {
		return nil, err
	}
	// snapshot bodies are consumed by the first Read
	return d, nil
}

func (d *MJPEGDevice) get(ctx context.Context) (*http.Response, error) {
	// the stream outlives any single Read, so it is bound to Close rather
	// than to a Read's ctx
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, d.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("camera returned http_%d", resp.StatusCode)
	}
	return resp, nil
}

func (d *MJPEGDevice) attach(resp *http.Response) error {
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		resp.Body.Close()
		return fmt.Errorf("camera content type: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := strings.TrimPrefix(params["boundary"], "--")
		if boundary == "" {
			resp.Body.Close()
			return fmt.Errorf("multipart stream without boundary")
		}
		d.body = resp.Body
		d.parts = multipart.NewReader(resp.Body, boundary)
		d.single = false
	case strings.HasPrefix(mediaType, "image/"):
		d.body = resp.Body
		d.parts = nil
		d.single = true
	default:
		resp.Body.Close()
		return fmt.Errorf("unsupported camera content type %q", mediaType)
	}
	return nil
}

func (d *MJPEGDevice) Read(ctx context.Context) (image.Image, error) {
	d.mu.Lock()
	connected := d.body != nil
	d.mu.Unlock()
	if !connected {
		resp, err := d.get(ctx)
		if err != nil {
			return nil, err
		}
		if err := d.attach(resp); err != nil {
			return nil, err
		}
	}

	// unblock a read stuck on a stalled stream once ctx ends
	stop := context.AfterFunc(ctx, d.reset)
	defer stop()

	d.mu.Lock()
	body, parts, single := d.body, d.parts, d.single
	d.mu.Unlock()
	if body == nil {
		return nil, context.Canceled
	}

	var src io.Reader = body
	if !single {
		part, err := parts.NextPart()
		if err != nil {
			d.reset()
			return nil, fmt.Errorf("next mjpeg part: %w", err)
		}
		defer part.Close()
		src = part
	}
	data, err := io.ReadAll(io.LimitReader(src, maxFrameBytes))
	if single {
		// a snapshot URL yields one image per request
		d.reset()
	}
	if err != nil {
		d.reset()
		return nil, fmt.Errorf("read camera frame: %w", err)
	}
	if d.recorder != nil {
		d.seq++
		if msg, err := EncodeFrameMessage(d.seq, time.Now(), "jpeg", data); err == nil {
			_ = d.recorder.Record(msg)
		}
	}
	return decodeImage(data)
}

func (d *MJPEGDevice) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.body != nil {
		_ = d.body.Close()
	}
	d.body = nil
	d.parts = nil
}

func (d *MJPEGDevice) Close() error {
	d.reset()
	return nil
}
