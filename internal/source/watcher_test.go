package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatcher_SignalsJSONLWrites(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(root, 20*time.Millisecond, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case <-w.Changes():
		t.Fatal("non-jsonl write produced a change signal")
	case <-time.After(150 * time.Millisecond):
	}

	if err := os.WriteFile(filepath.Join(root, "a.jsonl"), []byte(lineA+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case <-w.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("no change signal after jsonl write")
	}
}

func TestWatcher_MissingRoot(t *testing.T) {
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "absent"), time.Millisecond, zerolog.Nop()); err == nil {
		t.Error("NewWatcher accepted a missing root")
	}
}
