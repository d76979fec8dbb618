package types

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
)

// MaxImagePixels bounds the decoded size of any encoded image received from a
// device or detector.
const MaxImagePixels = 1 << 25

// ErrImageTooLarge is returned when an image header declares more than
// MaxImagePixels pixels.
var ErrImageTooLarge = errors.New("image too large")

// DecodeImage decodes a JPEG or PNG image after checking its header
// dimensions against MaxImagePixels.
func DecodeImage(data []byte) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxImagePixels/cfg.Height {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}
