package provider

import (
	"context"
	"time"

	"github.com/theirongolddev/spendwatch/internal/source"
)

// Poller is the slice of the log tailer the local provider needs.
type Poller interface {
	Poll(ctx context.Context) (source.Increment, error)
}

// ClaudeCode hands back whatever the background tailer has read from the
// local transcripts since the previous fetch.
type ClaudeCode struct {
	tailer Poller
	now    func() time.Time
}

// NewClaudeCode wraps a running tailer.
func NewClaudeCode(tailer Poller) *ClaudeCode {
	return &ClaudeCode{tailer: tailer, now: time.Now}
}

func (c *ClaudeCode) ID() string { return "claude-code" }
func (c *ClaudeCode) Kind() Kind { return KindLocal }

func (c *ClaudeCode) Fetch(ctx context.Context) (Raw, error) {
	inc, err := c.tailer.Poll(ctx)
	if err != nil {
		return Raw{}, err
	}
	return Raw{
		ProviderID: c.ID(),
		Shape:      ShapeLogRecords,
		FetchedAt:  c.now(),
		Increment:  &inc,
	}, nil
}
