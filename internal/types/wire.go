package types

// Messages exchanged with capture feeds and detector sidecars over ZeroMQ.
// All of them are CBOR encoded with the keys below.

const (
	MessageFrame  = "frame"
	MessageDetect = "detect"
	MessageResult = "result"
)

type FrameMessage struct {
	Type       string  `cbor:"type"`
	Seq        uint64  `cbor:"seq"`
	CapturedAt float64 `cbor:"captured_at"`
	Format     string  `cbor:"format"`
	Data       []byte  `cbor:"data"`
}

type DetectRequest struct {
	Type   string `cbor:"type"`
	Seq    uint64 `cbor:"seq"`
	Format string `cbor:"format"`
	Image  []byte `cbor:"image"`
}

type DetectedObject struct {
	ID  int64  `cbor:"id"`
	Box [4]int `cbor:"box"`
}

type DetectResponse struct {
	Type    string           `cbor:"type"`
	Seq     uint64           `cbor:"seq"`
	Format  string           `cbor:"format,omitempty"`
	Image   []byte           `cbor:"image,omitempty"`
	Objects []DetectedObject `cbor:"objects"`
	Error   string           `cbor:"error,omitempty"`
}

// Viewer-facing messages. JSON is the default codec; binary viewers get the
// same events as CBOR with the raw image bytes.

const (
	MessageHello  = "hello"
	MessageUpdate = "update"
)

type HelloMessage struct {
	Type      string `json:"type" cbor:"type"`
	SessionID string `json:"session_id" cbor:"session_id"`
}

type UpdateMessage struct {
	Type  string `json:"type"`
	Image string `json:"image"`
	Count int    `json:"count"`
}

type BinaryUpdate struct {
	Type   string `cbor:"type"`
	Seq    uint64 `cbor:"seq"`
	Count  int    `cbor:"count"`
	Format string `cbor:"format"`
	Image  []byte `cbor:"image"`
}
