package types

import (
	"encoding/base64"
	"image"
	"time"
)

// Frame is one captured image. Seq is assigned by the capture source and
// strictly increases. Image must not be modified after publication.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	Image      image.Image
}

type TrackedObservation struct {
	ID  int64
	Box image.Rectangle
}

// IDs returns the identities of the observations in order.
func IDs(observations []TrackedObservation) []int64 {
	ids := make([]int64, 0, len(observations))
	for _, obs := range observations {
		ids = append(ids, obs.ID)
	}
	return ids
}

// Update is what a viewer receives per processed frame. Image holds the
// encoded rendering in Format ("jpeg").
type Update struct {
	Seq    uint64
	Count  int
	Format string
	Image  []byte
}

// DataURI returns the image as a self-describing data URI.
func (u Update) DataURI() string {
	return "data:image/" + u.Format + ";base64," + base64.StdEncoding.EncodeToString(u.Image)
}
