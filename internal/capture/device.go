package capture

import (
	"context"
	"fmt"
	"image"
	"net/url"
	"strings"

	"tallycam/internal/types"
)

// OpenDevice resolves a device address:
//
//	sim://?fps=15&width=640&height=360&objects=3   synthetic scene
//	tcp://host:port, ipc://path                    ZeroMQ feed of CBOR frame messages
//	http://..., https://...                        MJPEG stream or JPEG snapshot URL
func OpenDevice(ctx context.Context, address string, opts Options) (Device, error) {
	u, err := url.Parse(strings.TrimSpace(address))
	if err != nil {
		return nil, fmt.Errorf("parse device address: %w", err)
	}
	switch u.Scheme {
	case "sim":
		cfg, err := parseSimConfig(u.Query())
		if err != nil {
			return nil, err
		}
		return NewSimulator(cfg), nil
	case "tcp", "ipc":
		return OpenZMQ(address, opts)
	case "http", "https":
		return OpenMJPEG(ctx, address, opts)
	default:
		return nil, fmt.Errorf("unsupported device scheme %q", u.Scheme)
	}
}

func decodeImage(data []byte) (image.Image, error) {
	img, err := types.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}
