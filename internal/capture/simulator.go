package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/imaging"
)

type SimConfig struct {
	FPS     float64
	Width   int
	Height  int
	Objects int
	Seed    int64
}

func parseSimConfig(q url.Values) (SimConfig, error) {
	cfg := SimConfig{FPS: 15, Width: 640, Height: 360, Objects: 3, Seed: time.Now().UnixNano()}
	if v := q.Get("fps"); v != "" {
		fps, err := strconv.ParseFloat(v, 64)
		if err != nil || fps <= 0 {
			return cfg, fmt.Errorf("invalid sim fps %q", v)
		}
		cfg.FPS = fps
	}
	for key, dst := range map[string]*int{"width": &cfg.Width, "height": &cfg.Height, "objects": &cfg.Objects} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("invalid sim %s %q", key, v)
		}
		*dst = n
	}
	if cfg.Width < 64 || cfg.Height < 64 {
		return cfg, fmt.Errorf("sim frame %dx%d too small", cfg.Width, cfg.Height)
	}
	if v := q.Get("seed"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid sim seed %q", v)
		}
		cfg.Seed = seed
	}
	return cfg, nil
}

type simObject struct {
	x, y   float64
	dx, dy float64
	size   int
	shade  uint8
}

// Simulator renders dark squares drifting across a light background. A
// square that leaves the frame is replaced by a new one, so the scene keeps
// producing new identities for a tracker.
type Simulator struct {
	cfg     SimConfig
	mu      sync.Mutex
	rng     *rand.Rand
	objects []*simObject
	ticker  *time.Ticker
}

func NewSimulator(cfg SimConfig) *Simulator {
	s := &Simulator{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		ticker: time.NewTicker(time.Duration(float64(time.Second) / cfg.FPS)),
	}
	for i := 0; i < cfg.Objects; i++ {
		s.objects = append(s.objects, s.spawn())
	}
	return s
}

func (s *Simulator) spawn() *simObject {
	size := 24 + s.rng.Intn(32)
	o := &simObject{
		y:     float64(s.rng.Intn(s.cfg.Height - size)),
		size:  size,
		shade: uint8(10 + s.rng.Intn(40)),
		dx:    1 + s.rng.Float64()*4,
		dy:    s.rng.Float64()*2 - 1,
	}
	if s.rng.Intn(2) == 0 {
		o.x = -float64(size) + 1
	} else {
		o.x = float64(s.cfg.Width) - 1
		o.dx = -o.dx
	}
	return o
}

func (s *Simulator) Read(ctx context.Context) (image.Image, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ticker.C:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	frame := imaging.New(s.cfg.Width, s.cfg.Height, color.NRGBA{R: 225, G: 225, B: 220, A: 255})
	for i, o := range s.objects {
		o.x += o.dx
		o.y += o.dy
		if o.y < 0 || o.y > float64(s.cfg.Height-o.size) {
			o.dy = -o.dy
		}
		if o.x < -float64(o.size) || o.x > float64(s.cfg.Width) {
			o = s.spawn()
			s.objects[i] = o
		}
		block := imaging.New(o.size, o.size, color.NRGBA{R: o.shade, G: o.shade, B: o.shade, A: 255})
		frame = imaging.Paste(frame, block, image.Pt(int(o.x), int(o.y)))
	}
	return frame, nil
}

func (s *Simulator) Close() error {
	s.ticker.Stop()
	return nil
}
