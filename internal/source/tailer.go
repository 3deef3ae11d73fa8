package source

import (
	"context"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// OffsetLoader restores read cursors saved by a previous run.
type OffsetLoader interface {
	LoadOffsets(ctx context.Context) ([]FileState, error)
}

// Tailer is the long-lived reader of the Claude Code logs. Its cursors live
// only inside Run; callers get parsed increments through Poll.
type Tailer struct {
	claudeDir string
	loader    OffsetLoader
	debounce  time.Duration
	log       zerolog.Logger

	requests chan chan Increment

	// Owned by Run.
	offsets map[string]FileState
	pending Increment
}

// NewTailer creates a tailer for claudeDir. loader may be nil.
func NewTailer(claudeDir string, loader OffsetLoader, logger zerolog.Logger) *Tailer {
	return &Tailer{
		claudeDir: claudeDir,
		loader:    loader,
		debounce:  500 * time.Millisecond,
		log:       logger.With().Str("component", "tailer").Logger(),
		requests:  make(chan chan Increment),
		offsets:   make(map[string]FileState),
	}
}

// Run owns the cursors until ctx is done. Filesystem changes trigger
// background scans whose results wait for the next Poll.
func (t *Tailer) Run(ctx context.Context) {
	if t.loader != nil {
		saved, err := t.loader.LoadOffsets(ctx)
		if err != nil {
			t.log.Warn().Err(err).Msg("loading offsets, rereading logs from the start")
		}
		for _, fs := range saved {
			t.offsets[fs.Path] = fs
		}
	}

	var changes <-chan struct{}
	w, err := NewWatcher(ProjectsDir(t.claudeDir), t.debounce, t.log)
	if err != nil {
		t.log.Debug().Err(err).Msg("file watching unavailable, polling only")
	} else {
		go w.Run(ctx)
		changes = w.Changes()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			t.pending.merge(t.scan(ctx))
		case reply := <-t.requests:
			inc := t.pending
			t.pending = Increment{}
			inc.merge(t.scan(ctx))
			sort.SliceStable(inc.Records, func(i, j int) bool {
				return inc.Records[i].Timestamp.Before(inc.Records[j].Timestamp)
			})
			reply <- inc
		}
	}
}

// Poll asks Run for everything read since the previous Poll.
func (t *Tailer) Poll(ctx context.Context) (Increment, error) {
	reply := make(chan Increment, 1)
	select {
	case t.requests <- reply:
	case <-ctx.Done():
		return Increment{}, ctx.Err()
	}
	select {
	case inc := <-reply:
		return inc, nil
	case <-ctx.Done():
		return Increment{}, ctx.Err()
	}
}

type readResult struct {
	recs        []Record
	parseErrors int
	state       FileState
	err         error
}

// scan reads every file that grew since its cursor, using a bounded worker
// pool since a cold start may cover thousands of transcripts.
func (t *Tailer) scan(ctx context.Context) Increment {
	files, err := ScanDir(t.claudeDir)
	if err != nil {
		t.log.Warn().Err(err).Msg("scanning projects")
		return Increment{FileErrors: 1}
	}

	var todo []FileState
	for _, df := range files {
		info, err := os.Stat(df.Path)
		if err != nil {
			continue
		}
		st := t.offsets[df.Path]
		st.Path = df.Path
		if info.Size() < st.Offset {
			// Truncated or replaced: start over.
			st.Offset = 0
		}
		if info.Size() == st.Offset && info.ModTime().Equal(st.ModTime) {
			continue
		}
		st.Size = info.Size()
		st.ModTime = info.ModTime()
		todo = append(todo, st)
	}
	if len(todo) == 0 {
		return Increment{}
	}

	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers > len(todo) {
		numWorkers = len(todo)
	}

	work := make(chan int, len(todo))
	results := make([]readResult, len(todo))
	for i := range todo {
		work <- i
	}
	close(work)

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for idx := range work {
				if ctx.Err() != nil {
					results[idx] = readResult{err: ctx.Err()}
					continue
				}
				st := todo[idx]
				recs, perr, next, err := ReadFrom(st.Path, st.Offset)
				st.Offset = next
				results[idx] = readResult{recs: recs, parseErrors: perr, state: st, err: err}
			}
		}()
	}
	wg.Wait()

	var inc Increment
	for _, r := range results {
		if r.err != nil {
			inc.FileErrors++
			continue
		}
		t.offsets[r.state.Path] = r.state
		inc.Records = append(inc.Records, r.recs...)
		inc.ParseErrors += r.parseErrors
		inc.Offsets = append(inc.Offsets, r.state)
	}

	t.log.Debug().
		Int("files", len(todo)).
		Int("records", len(inc.Records)).
		Int("parse_errors", inc.ParseErrors).
		Msg("scan complete")
	return inc
}
