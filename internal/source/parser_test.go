package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// writeLog creates a JSONL file in a fresh temp dir and returns its path.
func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func appendLog(t *testing.T, path string, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(data); err != nil {
		t.Fatal(err)
	}
}

const (
	lineA  = `{"type":"assistant","timestamp":"2025-06-01T10:03:00Z","requestId":"r1","message":{"id":"m1","model":"claude-opus-4-1","usage":{"input_tokens":100,"output_tokens":50}}}`
	lineB  = `{"type":"assistant","timestamp":"2025-06-01T10:04:00Z","requestId":"r2","message":{"id":"m2","model":"claude-sonnet-4-20250514","usage":{"input_tokens":10,"output_tokens":5,"cache_read_input_tokens":7,"cache_creation":{"ephemeral_5m_input_tokens":3,"ephemeral_1h_input_tokens":4}}}}`
	lineUs = `{"type":"user","timestamp":"2025-06-01T10:02:00Z","message":{"role":"user","content":"hi"}}`
)

func TestReadFrom_ExtractsUsage(t *testing.T) {
	path := writeLog(t, lineUs, lineA, lineB)

	recs, perr, next, err := ReadFrom(path, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if perr != 0 {
		t.Errorf("parseErrors = %d, want 0", perr)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	info, _ := os.Stat(path)
	if next != info.Size() {
		t.Errorf("next offset = %d, want %d", next, info.Size())
	}

	a := recs[0]
	if a.MessageID != "m1" || a.RequestID != "r1" {
		t.Errorf("ids = %s/%s, want m1/r1", a.MessageID, a.RequestID)
	}
	if a.InputTokens != 100 || a.OutputTokens != 50 {
		t.Errorf("tokens = %d/%d, want 100/50", a.InputTokens, a.OutputTokens)
	}
	if !a.Timestamp.Equal(time.Date(2025, 6, 1, 10, 3, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", a.Timestamp)
	}

	b := recs[1]
	if b.CacheWrite5m != 3 || b.CacheWrite1h != 4 || b.CacheRead != 7 {
		t.Errorf("cache = %d/%d/%d, want 3/4/7", b.CacheWrite5m, b.CacheWrite1h, b.CacheRead)
	}
}

func TestReadFrom_LastWinsWithinRead(t *testing.T) {
	path := writeLog(t,
		`{"type":"assistant","timestamp":"2025-06-01T10:00:00Z","requestId":"r1","message":{"id":"m1","model":"x","usage":{"input_tokens":100,"output_tokens":1}}}`,
		lineB,
		`{"type":"assistant","timestamp":"2025-06-01T10:00:01Z","requestId":"r1","message":{"id":"m1","model":"x","usage":{"input_tokens":100,"output_tokens":80}}}`,
	)

	recs, _, _, err := ReadFrom(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].MessageID != "m1" || recs[0].OutputTokens != 80 {
		t.Errorf("first record = %s/%d, want m1 with 80 output (last wins, first position)", recs[0].MessageID, recs[0].OutputTokens)
	}
}

func TestReadFrom_MalformedLines(t *testing.T) {
	path := writeLog(t,
		`not json at all`,
		`{"type":"assistant","timestamp":"2025-06-01T10:00:00Z","message":{"id":"m1"`,
		`{"type":"assistant","timestamp":"bad-time","message":{"id":"m1","usage":{"input_tokens":1,"output_tokens":1}}}`,
		`{"no_type":true}`,
		lineA,
	)

	recs, perr, _, err := ReadFrom(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if perr != 3 {
		t.Errorf("parseErrors = %d, want 3", perr)
	}
	if len(recs) != 1 {
		t.Errorf("records = %d, want 1", len(recs))
	}
}

func TestReadFrom_MissingTokenCounts(t *testing.T) {
	path := writeLog(t,
		`{"type":"assistant","timestamp":"2025-06-01T10:00:00Z","requestId":"r","message":{"id":"m","model":"x","usage":{"output_tokens":5}}}`,
	)
	recs, _, _, err := ReadFrom(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || !recs[0].TokensMissing {
		t.Fatalf("want one record flagged TokensMissing, got %+v", recs)
	}
}

func TestReadFrom_PartialTrailingLine(t *testing.T) {
	path := writeLog(t, lineA)
	half := lineB[:40]
	appendLog(t, path, half)

	recs, _, next, err := ReadFrom(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if want := int64(len(lineA) + 1); next != want {
		t.Errorf("next = %d, want %d (partial line not consumed)", next, want)
	}

	appendLog(t, path, lineB[40:]+"\n")
	recs, _, _, err = ReadFrom(path, next)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].MessageID != "m2" {
		t.Errorf("resumed read = %+v, want m2", recs)
	}
}

func TestExtractTopLevelType_IgnoresNested(t *testing.T) {
	got, ok := extractTopLevelType([]byte(`{"message":{"type":"assistant"},"type":"user"}`))
	if !ok || got != "user" {
		t.Errorf("type = %q/%v, want user", got, ok)
	}
	if _, ok := extractTopLevelType([]byte(`{"kind":"type"}`)); ok {
		t.Error("value \"type\" should not be treated as a key")
	}
}

type staticOffsets []FileState

func (s staticOffsets) LoadOffsets(context.Context) ([]FileState, error) { return s, nil }

func TestTailer_PollReturnsOnlyNewLines(t *testing.T) {
	claudeDir := t.TempDir()
	proj := filepath.Join(ProjectsDir(claudeDir), "-home-me-projects-demo")
	if err := os.MkdirAll(proj, 0o750); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(proj, "abc.jsonl")
	if err := os.WriteFile(path, []byte(lineA+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tl := NewTailer(claudeDir, nil, zerolog.Nop())
	go tl.Run(ctx)

	inc, err := tl.Poll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(inc.Records) != 1 || len(inc.Offsets) != 1 {
		t.Fatalf("first poll = %d records %d offsets, want 1/1", len(inc.Records), len(inc.Offsets))
	}

	appendLog(t, path, lineB+"\n")
	inc, err = tl.Poll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(inc.Records) != 1 || inc.Records[0].MessageID != "m2" {
		t.Fatalf("second poll = %+v, want only m2", inc.Records)
	}

	inc, err = tl.Poll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(inc.Records) != 0 {
		t.Errorf("third poll = %d records, want 0", len(inc.Records))
	}
}

func TestTailer_ResumesFromSavedOffsets(t *testing.T) {
	claudeDir := t.TempDir()
	proj := filepath.Join(ProjectsDir(claudeDir), "p")
	if err := os.MkdirAll(proj, 0o750); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(proj, "s.jsonl")
	if err := os.WriteFile(path, []byte(lineA+"\n"+lineB+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tl := NewTailer(claudeDir, staticOffsets{{Path: path, Offset: int64(len(lineA) + 1)}}, zerolog.Nop())
	go tl.Run(ctx)

	inc, err := tl.Poll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(inc.Records) != 1 || inc.Records[0].MessageID != "m2" {
		t.Fatalf("resumed poll = %+v, want only m2", inc.Records)
	}
}

func TestTailer_PollHonoursCancel(t *testing.T) {
	tl := NewTailer(t.TempDir(), nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tl.Poll(ctx); err == nil {
		t.Fatal("Poll on canceled context should fail without a running tailer")
	}
}
