package detect

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"tallycam/internal/types"
)

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

type LocalConfig struct {
	// Threshold is the luminance (0-255) below which a pixel belongs to an
	// object.
	Threshold float64
	// MinArea drops components smaller than this many pixels.
	MinArea int
	// MaxMissed frames without a match end a track.
	MaxMissed int
	// MaxJump is the largest centroid move, in pixels, still matched to the
	// same track.
	MaxJump float64
}

type track struct {
	id     int64
	box    image.Rectangle
	missed int
}

// Local finds dark connected components and keeps their identities across
// frames by nearest-centroid matching. It holds tracker state and is not
// safe for concurrent calls.
type Local struct {
	cfg    LocalConfig
	mu     sync.Mutex
	tracks []*track
	nextID int64
}

func NewLocal(cfg LocalConfig) *Local {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 80
	}
	if cfg.MinArea <= 0 {
		cfg.MinArea = 36
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = 15
	}
	if cfg.MaxJump <= 0 {
		cfg.MaxJump = 60
	}
	return &Local{cfg: cfg, nextID: 1}
}

func (l *Local) Detect(ctx context.Context, frame types.Frame) (Result, error) {
	if frame.Image == nil {
		return Result{}, fmt.Errorf("%w: frame %d has no image", ErrDetectorFailure, frame.Seq)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	boxes := l.blobs(frame.Image)

	l.mu.Lock()
	observations := l.track(boxes)
	l.mu.Unlock()

	return Result{
		Rendered:     Render(frame.Image, observations),
		Observations: observations,
	}, nil
}

func (l *Local) Close() error { return nil }

// blobs returns the bounding boxes of 4-connected components darker than the
// threshold.
func (l *Local) blobs(img image.Image) []image.Rectangle {
	gray := imaging.Grayscale(img)
	bounds := gray.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	seen := make([]bool, w*h)
	dark := func(x, y int) bool {
		return float64(gray.Pix[y*gray.Stride+x*4]) < l.cfg.Threshold
	}

	var boxes []image.Rectangle
	queue := make([]image.Point, 0, 64)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if seen[idx] {
				continue
			}
			seen[idx] = true
			if !dark(x, y) {
				continue
			}
			x0, y0, x1, y1 := x, y, x, y
			area := 0
			queue = append(queue[:0], image.Pt(x, y))
			for len(queue) > 0 {
				p := queue[len(queue)-1]
				queue = queue[:len(queue)-1]
				area++
				x0, y0 = min(x0, p.X), min(y0, p.Y)
				x1, y1 = max(x1, p.X), max(y1, p.Y)
				for _, n := range [4]image.Point{{p.X + 1, p.Y}, {p.X - 1, p.Y}, {p.X, p.Y + 1}, {p.X, p.Y - 1}} {
					if n.X < 0 || n.Y < 0 || n.X >= w || n.Y >= h {
						continue
					}
					nIdx := n.Y*w + n.X
					if seen[nIdx] {
						continue
					}
					seen[nIdx] = true
					if dark(n.X, n.Y) {
						queue = append(queue, n)
					}
				}
			}
			if area >= l.cfg.MinArea {
				boxes = append(boxes, image.Rect(x0, y0, x1+1, y1+1).Add(img.Bounds().Min))
			}
		}
	}
	return boxes
}

// track matches boxes to live tracks greedily by centroid distance and opens
// a track for every unmatched box.
func (l *Local) track(boxes []image.Rectangle) []types.TrackedObservation {
	matched := make([]bool, len(l.tracks))
	observations := make([]types.TrackedObservation, 0, len(boxes))
	for _, box := range boxes {
		best, bestDist := -1, l.cfg.MaxJump
		for i, t := range l.tracks {
			if matched[i] {
				continue
			}
			if d := centroidDistance(t.box, box); d <= bestDist {
				best, bestDist = i, d
			}
		}
		if best < 0 {
			t := &track{id: l.nextID, box: box}
			l.nextID++
			l.tracks = append(l.tracks, t)
			matched = append(matched, true)
			observations = append(observations, types.TrackedObservation{ID: t.id, Box: box})
			continue
		}
		matched[best] = true
		l.tracks[best].box = box
		l.tracks[best].missed = 0
		observations = append(observations, types.TrackedObservation{ID: l.tracks[best].id, Box: box})
	}

	live := l.tracks[:0]
	for i, t := range l.tracks {
		if !matched[i] {
			t.missed++
			if t.missed > l.cfg.MaxMissed {
				continue
			}
		}
		live = append(live, t)
	}
	l.tracks = live
	return observations
}

func centroidDistance(a, b image.Rectangle) float64 {
	ax, ay := float64(a.Min.X+a.Max.X)/2, float64(a.Min.Y+a.Max.Y)/2
	bx, by := float64(b.Min.X+b.Max.X)/2, float64(b.Min.Y+b.Max.Y)/2
	return math.Hypot(ax-bx, ay-by)
}

var palette = []color.Color{
	color.NRGBA{R: 230, G: 57, B: 70, A: 255},
	color.NRGBA{R: 42, G: 157, B: 143, A: 255},
	color.NRGBA{R: 233, G: 196, B: 106, A: 255},
	color.NRGBA{R: 69, G: 123, B: 157, A: 255},
	color.NRGBA{R: 244, G: 162, B: 97, A: 255},
}

// Render draws a labelled box for every observation on a copy of img.
func Render(img image.Image, observations []types.TrackedObservation) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetFontFace(truetype.NewFace(labelFont, &truetype.Options{Size: 13}))
	for _, obs := range observations {
		c := palette[int(uint64(obs.ID)%uint64(len(palette)))]
		r := obs.Box
		dc.SetColor(c)
		dc.SetLineWidth(2)
		dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
		dc.Stroke()
		dc.DrawString(fmt.Sprintf("id %d", obs.ID), float64(r.Min.X), float64(r.Min.Y)-4)
	}
	return dc.Image()
}
