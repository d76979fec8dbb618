package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"

	"github.com/fxamacker/cbor/v2"
)

// Uncompressed frames use format "raw": data holds an RFC 8746 multi-dimensional
// array, tag 40 [[rows, cols], typed array] for gray or
// tag 40 [[rows, cols, 3], typed array] for RGB, with a uint8 (tag 64) or
// little-endian uint16 (tag 69) typed array.
const (
	FormatRaw = "raw"

	tagMultiDimArray = 40
	tagUint8         = 64
	tagUint16LE      = 69
)

func decodeRawFrame(data []byte) (image.Image, error) {
	var value any
	if err := cbor.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("decode raw frame: %w", err)
	}
	tag, ok := value.(cbor.Tag)
	if !ok || tag.Number != tagMultiDimArray {
		return nil, errors.New("raw frame: expected multidim tag 40")
	}
	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return nil, errors.New("raw frame: invalid multidim content")
	}
	dims, ok := items[0].([]any)
	if !ok || (len(dims) != 2 && len(dims) != 3) {
		return nil, errors.New("raw frame: invalid dimensions")
	}
	shape := make([]int, len(dims))
	for i, d := range dims {
		n, err := toInt(d)
		if err != nil {
			return nil, fmt.Errorf("raw frame: dimension %d: %w", i, err)
		}
		shape[i] = n
	}
	rows, cols := shape[0], shape[1]
	channels := 1
	if len(shape) == 3 {
		channels = shape[2]
		if channels != 3 {
			return nil, fmt.Errorf("raw frame: %d channels (want 1 or 3)", channels)
		}
	}
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("raw frame: empty %dx%d image", cols, rows)
	}
	if rows > maxRawFrameBytes/(cols*channels*2) {
		return nil, fmt.Errorf("raw frame: %dx%dx%d exceeds %d bytes", cols, rows, channels, maxRawFrameBytes)
	}

	typed, ok := items[1].(cbor.Tag)
	if !ok {
		return nil, errors.New("raw frame: expected typed array tag")
	}
	pix, ok := typed.Content.([]byte)
	if !ok {
		return nil, fmt.Errorf("raw frame: unsupported typed array content %T", typed.Content)
	}

	switch typed.Number {
	case tagUint8:
		if len(pix) != rows*cols*channels {
			return nil, errors.New("raw frame: dimension mismatch")
		}
		if channels == 1 {
			img := image.NewGray(image.Rect(0, 0, cols, rows))
			copy(img.Pix, pix)
			return img, nil
		}
		img := image.NewRGBA(image.Rect(0, 0, cols, rows))
		for i, j := 0, 0; i < len(pix); i, j = i+3, j+4 {
			img.Pix[j], img.Pix[j+1], img.Pix[j+2], img.Pix[j+3] = pix[i], pix[i+1], pix[i+2], 0xff
		}
		return img, nil
	case tagUint16LE:
		if channels != 1 {
			return nil, errors.New("raw frame: 16-bit frames must be gray")
		}
		if len(pix) != rows*cols*2 {
			return nil, errors.New("raw frame: dimension mismatch")
		}
		img := image.NewGray16(image.Rect(0, 0, cols, rows))
		for i := 0; i < rows*cols; i++ {
			// Gray16 stores big-endian
			binary.BigEndian.PutUint16(img.Pix[i*2:], binary.LittleEndian.Uint16(pix[i*2:]))
		}
		return img, nil
	default:
		return nil, fmt.Errorf("raw frame: unsupported typed array tag %d", typed.Number)
	}
}

// Limits on a raw frame's dimensions and pixel buffer.
const (
	maxRawDim        = 1 << 16
	maxRawFrameBytes = 64 << 20
)

func toInt(v any) (int, error) {
	var n int64
	switch x := v.(type) {
	case uint64:
		if x > maxRawDim {
			return 0, fmt.Errorf("%d exceeds %d", x, maxRawDim)
		}
		n = int64(x)
	case int64:
		n = x
	case int:
		n = int64(x)
	default:
		return 0, fmt.Errorf("unexpected %T", v)
	}
	if n < 0 || n > maxRawDim {
		return 0, fmt.Errorf("%d out of range [0, %d]", n, maxRawDim)
	}
	return int(n), nil
}
