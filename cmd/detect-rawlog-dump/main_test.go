package main

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"detect-stream-go/internal/output"
	"detect-stream-go/internal/types"
)

func TestDump(t *testing.T) {
	w, err := output.NewRawLogWriter(t.TempDir(), "test")
	if err != nil {
		t.Fatalf("create log: %v", err)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		rec := types.DetectionRecord{SessionID: "s", Seq: seq, Counts: types.DetectionCounts{"cat": int(seq)}}
		if err := w.Record(rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(w.Path())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var out, diag bytes.Buffer
	if err := dump(f, &out, &diag, 2); err != nil {
		t.Fatalf("dump: %v", err)
	}
	if got := strings.Count(diag.String(), "timestamp="); got != 2 {
		t.Fatalf("expected 2 records, got %d:\n%s", got, diag.String())
	}

	dec := json.NewDecoder(&out)
	var first map[string]any
	if err := dec.Decode(&first); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if first["session_id"] != "s" {
		t.Fatalf("unexpected session: %v", first["session_id"])
	}
	counts, ok := first["counts"].(map[string]any)
	if !ok || counts["cat"].(float64) != 1 {
		t.Fatalf("unexpected counts: %v", first["counts"])
	}
}

func TestDumpRejectsOtherFiles(t *testing.T) {
	var out, diag bytes.Buffer
	if err := dump(strings.NewReader("STXMRAW1...."), &out, &diag, 0); err == nil {
		t.Fatal("expected magic error")
	}
}
