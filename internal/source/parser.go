// Package source discovers Claude Code JSONL transcripts and reads them
// incrementally into usage records.
package source

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// maxLineSize bounds a single JSONL line; longer lines count as malformed.
const maxLineSize = 2 * 1024 * 1024

type lineKind int

const (
	lineSkip lineKind = iota
	lineUsage
	lineMalformed
)

// ParseLine classifies one JSONL line and extracts its usage.
//
// Only "assistant" lines carry usage and get a full JSON parse. Other typed
// lines are skipped after a byte-level look at the top-level "type" key.
// Lines with no top-level type are malformed unless they are valid JSON.
func ParseLine(line []byte) (Record, lineKind) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Record{}, lineSkip
	}

	entryType, found := extractTopLevelType(line)
	if !found {
		if json.Valid(line) {
			return Record{}, lineSkip
		}
		return Record{}, lineMalformed
	}
	if entryType != "assistant" {
		return Record{}, lineSkip
	}

	var entry RawEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return Record{}, lineMalformed
	}
	if entry.Message == nil || entry.Message.Usage == nil {
		return Record{}, lineSkip
	}

	ts, err := time.Parse(time.RFC3339Nano, entry.Timestamp)
	if err != nil {
		return Record{}, lineMalformed
	}

	msg := entry.Message
	u := msg.Usage
	rec := Record{
		Timestamp: ts.UTC(),
		MessageID: msg.ID,
		RequestID: entry.RequestID,
		Model:     msg.Model,
		CacheRead: u.CacheReadInputTokens,
		CostUSD:   entry.CostUSD,
	}
	if u.InputTokens == nil || u.OutputTokens == nil {
		rec.TokensMissing = true
	} else {
		rec.InputTokens = *u.InputTokens
		rec.OutputTokens = *u.OutputTokens
	}
	if u.CacheCreation != nil {
		rec.CacheWrite5m = u.CacheCreation.Ephemeral5mInputTokens
		rec.CacheWrite1h = u.CacheCreation.Ephemeral1hInputTokens
	} else if u.CacheCreationInputTokens > 0 {
		rec.CacheWrite5m = u.CacheCreationInputTokens
	}
	return rec, lineUsage
}

// ReadFrom parses the complete lines of path starting at offset. A trailing
// line without a newline is left for the next read. The returned offset
// points just past the last consumed newline.
//
// Streaming writes repeat a message with growing usage, so within one read
// the last line per message/request pair wins while keeping first-seen order.
func ReadFrom(path string, offset int64) (recs []Record, parseErrors int, next int64, err error) {
	f, err := os.Open(path) //nolint:gosec // path comes from ScanDir
	if err != nil {
		return nil, 0, offset, err
	}
	defer func() { _ = f.Close() }()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, 0, offset, fmt.Errorf("seek %s: %w", path, err)
		}
	}

	byKey := make(map[string]int)
	next = offset
	r := bufio.NewReaderSize(f, maxLineSize)

	for {
		line, readErr := r.ReadSlice('\n')
		if errors.Is(readErr, bufio.ErrBufferFull) {
			// Oversized line: drain it and count it as malformed.
			n, drainErr := drainLine(r)
			if drainErr != nil {
				break
			}
			next += int64(len(line)) + n
			parseErrors++
			continue
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				err = readErr
			}
			break
		}
		next += int64(len(line))

		rec, kind := ParseLine(line)
		switch kind {
		case lineMalformed:
			parseErrors++
			continue
		case lineSkip:
			continue
		}

		rec.Path = path
		key := rec.MessageID + ":" + rec.RequestID
		if rec.MessageID != "" && rec.RequestID != "" {
			if i, ok := byKey[key]; ok {
				recs[i] = rec
				continue
			}
			byKey[key] = len(recs)
		}
		recs = append(recs, rec)
	}

	return recs, parseErrors, next, err
}

// drainLine discards bytes up to and including the next newline. It returns
// io.EOF if the line is still incomplete.
func drainLine(r *bufio.Reader) (int64, error) {
	var n int64
	for {
		chunk, err := r.ReadSlice('\n')
		n += int64(len(chunk))
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return n, err
		}
	}
}

// typeKey is the byte sequence for a JSON key named "type" (with quotes).
var typeKey = []byte(`"type"`)

// extractTopLevelType finds the top-level "type" field in a JSONL line.
// Tracks brace depth and string boundaries so nested "type" keys are ignored.
func extractTopLevelType(line []byte) (string, bool) {
	depth := 0
	for i := 0; i < len(line); {
		switch line[i] {
		case '"':
			if depth == 1 && bytes.HasPrefix(line[i:], typeKey) {
				if val, isKey := classifyType(line, i+len(typeKey)); isKey {
					return val, true
				}
			}
			i = skipJSONString(line, i)
		case '{':
			depth++
			i++
		case '}':
			depth--
			i++
		default:
			i++
		}
	}
	return "", false
}

// classifyType checks whether pos follows a JSON key (expects : then value).
// isKey=false means "type" appeared as a value and scanning should continue.
func classifyType(line []byte, pos int) (val string, isKey bool) {
	i := skipSpaces(line, pos)
	if i >= len(line) || line[i] != ':' {
		return "", false
	}
	i = skipSpaces(line, i+1)
	if i >= len(line) || line[i] != '"' {
		return "", true
	}
	i++

	end := bytes.IndexByte(line[i:], '"')
	if end < 0 || end > 32 {
		return "", true
	}
	return string(line[i : i+end]), true
}

// skipJSONString advances past a JSON string starting at the opening quote.
//
//nolint:gosec // manual bounds checking throughout
func skipJSONString(line []byte, i int) int {
	i++
	for i < len(line) {
		switch line[i] {
		case '\\':
			i += 2
		case '"':
			return i + 1
		default:
			i++
		}
	}
	return i
}

func skipSpaces(line []byte, i int) int {
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	return i
}
