package types

const (
	MessageDetectionUpdate = "detection_update"
	MessageConfig          = "config"
	MessageCountsRequest   = "counts_request"
)

// DetectionUpdate is pushed to websocket clients once per processed frame.
type DetectionUpdate struct {
	Type   string          `json:"type"`
	Counts DetectionCounts `json:"counts"`
}

func NewDetectionUpdate(counts DetectionCounts) DetectionUpdate {
	if counts == nil {
		counts = DetectionCounts{}
	}
	return DetectionUpdate{Type: MessageDetectionUpdate, Counts: counts}
}

// DetectionRecord is one entry of the on-disk detection log.
type DetectionRecord struct {
	SessionID  string          `cbor:"session_id"`
	Seq        uint64          `cbor:"seq"`
	CapturedAt int64           `cbor:"captured_at"`
	Counts     DetectionCounts `cbor:"counts"`
	Boxes      []RecordBox     `cbor:"boxes"`
	Error      string          `cbor:"error,omitempty"`
}

type RecordBox struct {
	Label string  `cbor:"label"`
	Score float64 `cbor:"score"`
	X1    int     `cbor:"x1"`
	Y1    int     `cbor:"y1"`
	X2    int     `cbor:"x2"`
	Y2    int     `cbor:"y2"`
}
