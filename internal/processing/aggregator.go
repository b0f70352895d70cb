package processing

import (
	"sort"
	"sync"
	"time"

	"detect-stream-go/internal/types"
)

// ClassSummary describes one class over a stream session.
type ClassSummary struct {
	Class  string `json:"class"`
	Total  int    `json:"total"`
	Peak   int    `json:"peak"`
	Frames int    `json:"frames"`
}

// SessionSummary is what an Aggregator reports at any point of a session.
type SessionSummary struct {
	SessionID string         `json:"session_id"`
	Started   time.Time      `json:"started"`
	Frames    int            `json:"frames"`
	Failed    int            `json:"failed"`
	Classes   []ClassSummary `json:"classes"`
}

// Aggregator accumulates per-frame counts across a session. Per-frame counts themselves
// are never accumulated; this only keeps totals for the summary.
type Aggregator struct {
	mu        sync.Mutex
	sessionID string
	started   time.Time
	frames    int
	failed    int
	data      map[string]*ClassSummary
}

func NewAggregator(sessionID string) *Aggregator {
	return &Aggregator{
		sessionID: sessionID,
		started:   time.Now(),
		data:      make(map[string]*ClassSummary),
	}
}

// AddFrame records one processed frame. failed marks frames that passed through
// without detection.
func (a *Aggregator) AddFrame(counts types.DetectionCounts, failed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames++
	if failed {
		a.failed++
	}
	for class, n := range counts {
		cs, ok := a.data[class]
		if !ok {
			cs = &ClassSummary{Class: class}
			a.data[class] = cs
		}
		cs.Total += n
		cs.Frames++
		if n > cs.Peak {
			cs.Peak = n
		}
	}
}

// Snapshot returns a copy ordered by class name.
func (a *Aggregator) Snapshot() SessionSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	classes := make([]ClassSummary, 0, len(a.data))
	for _, cs := range a.data {
		classes = append(classes, *cs)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i].Class < classes[j].Class })
	return SessionSummary{
		SessionID: a.sessionID,
		Started:   a.started,
		Frames:    a.frames,
		Failed:    a.failed,
		Classes:   classes,
	}
}
