package source

import "time"

// RawEntry represents a single line in a Claude Code JSONL session file.
type RawEntry struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
	CostUSD   *float64    `json:"costUSD,omitempty"`
	Message   *RawMessage `json:"message,omitempty"`
}

// RawMessage represents the assistant's message envelope.
type RawMessage struct {
	ID    string    `json:"id"`
	Role  string    `json:"role"`
	Model string    `json:"model"`
	Usage *RawUsage `json:"usage,omitempty"`
}

// RawUsage holds token counts from the API response. Input and output are
// pointers so a missing count can be told apart from a zero one.
type RawUsage struct {
	InputTokens              *int64         `json:"input_tokens"`
	OutputTokens             *int64         `json:"output_tokens"`
	CacheCreationInputTokens int64          `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64          `json:"cache_read_input_tokens"`
	CacheCreation            *CacheCreation `json:"cache_creation,omitempty"`
}

// CacheCreation holds the breakdown of cache write tokens by TTL bucket.
type CacheCreation struct {
	Ephemeral5mInputTokens int64 `json:"ephemeral_5m_input_tokens"`
	Ephemeral1hInputTokens int64 `json:"ephemeral_1h_input_tokens"`
}

// DiscoveredFile represents a JSONL file found during directory scanning.
type DiscoveredFile struct {
	Path       string
	ProjectDir string // raw directory name
	SessionID  string // extracted from filename
	IsSubagent bool
}

// Record is one usage-bearing log line in source terms. Normalization into
// a priced event happens later.
type Record struct {
	Path      string
	Timestamp time.Time
	MessageID string
	RequestID string
	Model     string

	InputTokens  int64
	OutputTokens int64
	// TokensMissing is set when input or output counts were absent.
	TokensMissing bool

	CacheWrite5m int64
	CacheWrite1h int64
	CacheRead    int64

	CostUSD *float64
}

// FileState is the read cursor of one log file.
type FileState struct {
	Path    string
	Offset  int64
	Size    int64
	ModTime time.Time
}

// Increment is what one scan of the log directory produced.
type Increment struct {
	Records     []Record
	ParseErrors int
	FileErrors  int
	// Offsets are the cursors after this increment; persist them once the
	// records are safely stored.
	Offsets []FileState
}

// merge appends other to inc, keeping the newest cursor per file.
func (inc *Increment) merge(other Increment) {
	inc.Records = append(inc.Records, other.Records...)
	inc.ParseErrors += other.ParseErrors
	inc.FileErrors += other.FileErrors
	if len(other.Offsets) == 0 {
		return
	}
	idx := make(map[string]int, len(inc.Offsets))
	for i, fs := range inc.Offsets {
		idx[fs.Path] = i
	}
	for _, fs := range other.Offsets {
		if i, ok := idx[fs.Path]; ok {
			inc.Offsets[i] = fs
			continue
		}
		idx[fs.Path] = len(inc.Offsets)
		inc.Offsets = append(inc.Offsets, fs)
	}
}
