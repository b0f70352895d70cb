package processing

import (
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"detect-stream-go/internal/types"
)

// CountDetections builds per-class counts from scratch for one frame.
func CountDetections(detections []types.Detection) types.DetectionCounts {
	counts := make(types.DetectionCounts, len(detections))
	for _, d := range detections {
		counts[ClassName(d)]++
	}
	return counts
}

// ClassName is the key a detection is counted under. Detectors that send only a class id
// are named class_<id>.
func ClassName(d types.Detection) string {
	if d.Label != "" {
		return d.Label
	}
	return fmt.Sprintf("class_%d", d.ClassID)
}

// Total is the number of boxes represented by counts.
func Total(counts types.DetectionCounts) int {
	return lo.Sum(lo.Values(counts))
}

// Classes returns the class names in counts in sorted order.
func Classes(counts types.DetectionCounts) []string {
	keys := lo.Keys(counts)
	sort.Strings(keys)
	return keys
}

// Timestamp formats t the way output file names are prefixed.
func Timestamp(t time.Time) string {
	return t.Format("20060102_150405")
}
