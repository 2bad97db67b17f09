package fetch

import (
	"context"
	"os"
	"path/filepath"

	"github.com/bodaay/HuggingFaceModelDownloader/pkg/hfdownloader"
)

// Snapshot settings for a hub repository
type Snapshot struct {
	Repo      string
	Revision  string
	IsDataset bool
	Filters   []string
	Token     string
	Workers   int
}

// Download fetches the repository files under dir and returns the directory holding the snapshot.
// Files already present are skipped.
func (s Snapshot) Download(ctx context.Context, dir string, opts Options) (string, error) {
	log := opts.logger()
	if s.Revision == "" {
		s.Revision = "main"
	}
	if s.Workers <= 0 {
		s.Workers = 4
	}
	job := hfdownloader.Job{
		Repo:      s.Repo,
		Revision:  s.Revision,
		Filters:   s.Filters,
		IsDataset: s.IsDataset,
	}
	cfg := hfdownloader.Settings{
		OutputDir:   dir,
		Concurrency: s.Workers,
		Token:       s.Token,
	}
	log.Infow("fetching hub snapshot", "repo", s.Repo, "revision", s.Revision, "dataset", s.IsDataset)
	err := hfdownloader.Download(ctx, job, cfg, func(e hfdownloader.ProgressEvent) {
		switch e.Event {
		case "file_done", "retry", "error":
			log.Debugw(e.Message, "event", e.Event, "path", e.Path)
		}
	})
	if err != nil {
		return "", err
	}
	return s.Dir(dir), nil
}

// Dir returns the directory the snapshot is written to: the repo name under dir if present, else dir.
func (s Snapshot) Dir(dir string) string {
	sub := filepath.Join(dir, filepath.FromSlash(s.Repo))
	if st, err := os.Stat(sub); err == nil && st.IsDir() {
		return sub
	}
	return dir
}
