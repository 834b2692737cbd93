package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/remiges-tech/logharbour/logharbour"
)

// SourceMapping binds a glob pattern (relative to the watch directory) to a
// batch source. doublestar patterns are used so feeds can nest, e.g.
// "simplicity/**/*.csv".
type SourceMapping struct {
	Pattern string
	Source  string
}

// InfiledConfig configures the drop-directory poller.
type InfiledConfig struct {
	WatchDirs    []string
	Mappings     []SourceMapping
	PollInterval time.Duration
	// MinFileAge keeps the poller off files still being written.
	MinFileAge time.Duration
}

// Infiled polls drop directories for incoming CSV files and feeds them to
// the engine. Processed files move to a done/ sibling, failures to failed/,
// so a crashed poller never reprocesses or loses a file.
type Infiled struct {
	config InfiledConfig
	engine *Engine
	logger *logharbour.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewInfiled(config InfiledConfig, engine *Engine, lg *logharbour.Logger) *Infiled {
	if config.PollInterval <= 0 {
		config.PollInterval = 30 * time.Second
	}
	if config.MinFileAge <= 0 {
		config.MinFileAge = 5 * time.Second
	}
	return &Infiled{
		config:   config,
		engine:   engine,
		logger:   lg,
		inflight: make(map[string]struct{}),
	}
}

// Run polls until the context is cancelled.
func (i *Infiled) Run(ctx context.Context) {
	i.logger.WithModule("infiled").Info().LogActivity("drop-directory poller started", map[string]any{
		"dirs":     i.config.WatchDirs,
		"interval": i.config.PollInterval.String(),
	})
	ticker := time.NewTicker(i.config.PollInterval)
	defer ticker.Stop()
	for {
		i.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep performs one poll cycle over every mapping.
func (i *Infiled) Sweep(ctx context.Context) {
	for _, mapping := range i.config.Mappings {
		files, err := i.findFiles(mapping.Pattern)
		if err != nil {
			i.logger.WithModule("infiled").Warn().LogActivity("glob failed", map[string]any{
				"pattern": mapping.Pattern,
				"error":   err.Error(),
			})
			continue
		}
		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return
			}
			i.processFile(ctx, file, mapping.Source)
		}
	}
}

func (i *Infiled) findFiles(pattern string) ([]string, error) {
	var files []string
	for _, dir := range i.config.WatchDirs {
		matches, err := doublestar.Glob(os.DirFS(dir), pattern)
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			// Patterns with ** would otherwise re-match files already
			// moved into done/ or failed/.
			if inTerminalDir(match) {
				continue
			}
			files = append(files, filepath.Join(dir, match))
		}
	}
	return files, nil
}

func inTerminalDir(relPath string) bool {
	for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
		if part == "done" || part == "failed" {
			return true
		}
	}
	return false
}

func (i *Infiled) processFile(ctx context.Context, path, source string) {
	if !i.claim(path) {
		return
	}
	defer i.release(path)

	info, err := os.Stat(path)
	if err != nil || time.Since(info.ModTime()) < i.config.MinFileAge {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		i.logger.WithModule("infiled").Warn().LogActivity("open failed", map[string]any{
			"file": path, "error": err.Error(),
		})
		return
	}
	result, ingestErr := i.engine.Ingest(ctx, f, filepath.Base(path), source, "infiled")
	f.Close()

	if ingestErr != nil {
		i.logger.WithModule("infiled").Error(ingestErr).LogActivity("ingest failed", map[string]any{
			"file": path,
		})
		i.moveTo(path, "failed")
		return
	}
	i.logger.WithModule("infiled").Info().LogActivity("file ingested", map[string]any{
		"file":      path,
		"batch_id":  result.BatchID,
		"duplicate": result.Duplicate,
	})
	i.moveTo(path, "done")
}

// moveTo relocates the file into a sibling subdirectory of its drop dir.
func (i *Infiled) moveTo(path, sub string) {
	destDir := filepath.Join(filepath.Dir(path), sub)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		i.logger.WithModule("infiled").Warn().LogActivity("mkdir failed", map[string]any{
			"dir": destDir, "error": err.Error(),
		})
		return
	}
	if err := os.Rename(path, filepath.Join(destDir, filepath.Base(path))); err != nil {
		i.logger.WithModule("infiled").Warn().LogActivity("move failed", map[string]any{
			"file": path, "error": err.Error(),
		})
	}
}

func (i *Infiled) claim(path string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, busy := i.inflight[path]; busy {
		return false
	}
	i.inflight[path] = struct{}{}
	return true
}

func (i *Infiled) release(path string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.inflight, path)
}
