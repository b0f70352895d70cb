package output

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"detect-stream-go/internal/processing"
)

var summaryHeader = []string{"session_id", "frames", "failed", "class", "total", "peak", "class_frames"}

// WriteSessionSummary writes a CSV with one row per detected class and returns the file
// name. A session without detections gets a single row with empty class columns.
func WriteSessionSummary(outputDir string, summary processing.SessionSummary) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", errors.Wrap(err, "create output dir")
	}

	filename := filepath.Join(outputDir,
		fmt.Sprintf("%s_%s_summary.csv", processing.Timestamp(summary.Started), summary.SessionID))
	f, err := os.Create(filename)
	if err != nil {
		return "", errors.Wrap(err, "create summary")
	}
	defer f.Close()

	session := []string{summary.SessionID, strconv.Itoa(summary.Frames), strconv.Itoa(summary.Failed)}
	rows := [][]string{summaryHeader}
	for _, class := range summary.Classes {
		rows = append(rows, append(session[:3:3],
			class.Class,
			strconv.Itoa(class.Total),
			strconv.Itoa(class.Peak),
			strconv.Itoa(class.Frames),
		))
	}
	if len(summary.Classes) == 0 {
		rows = append(rows, append(session[:3:3], "", "", "", ""))
	}

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return "", errors.Wrap(err, "write summary")
	}
	if err := f.Sync(); err != nil {
		return "", errors.Wrap(err, "flush summary")
	}
	return filename, nil
}
