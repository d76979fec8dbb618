package broadcast

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

var ErrEncodingFailure = errors.New("encoding failure")

// Encoder turns a rendered frame into a self-contained image buffer.
type Encoder interface {
	Format() string
	Encode(img image.Image) ([]byte, error)
}

type JPEGEncoder struct {
	Quality int
}

func (JPEGEncoder) Format() string { return "jpeg" }

func (e JPEGEncoder) Encode(img image.Image) ([]byte, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrEncodingFailure)
	}
	quality := e.Quality
	if quality <= 0 {
		quality = 80
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodingFailure, err)
	}
	return buf.Bytes(), nil
}
