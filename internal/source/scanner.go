package source

import (
	"os"
	"path/filepath"
	"strings"
)

// ScanDir walks the Claude projects directory and discovers all JSONL session
// files, subagent transcripts included. A missing directory yields no files.
func ScanDir(claudeDir string) ([]DiscoveredFile, error) {
	projectsDir := ProjectsDir(claudeDir)

	info, err := os.Stat(projectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, nil
	}

	var files []DiscoveredFile

	err = filepath.WalkDir(projectsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // intentionally skip unreadable entries
		}
		if d.IsDir() || filepath.Ext(path) != ".jsonl" {
			return nil
		}

		rel, _ := filepath.Rel(projectsDir, path)
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) < 2 {
			return nil
		}

		df := DiscoveredFile{
			Path:       path,
			ProjectDir: parts[0],
			SessionID:  strings.TrimSuffix(d.Name(), ".jsonl"),
		}
		// <project>/<session-uuid>/subagents/agent-<id>.jsonl
		if len(parts) >= 4 && parts[2] == "subagents" {
			df.IsSubagent = true
			df.SessionID = parts[1] + "/" + df.SessionID
		}

		files = append(files, df)
		return nil
	})

	return files, err
}

// ProjectsDir is where Claude Code keeps its per-project transcripts.
func ProjectsDir(claudeDir string) string {
	return filepath.Join(claudeDir, "projects")
}
