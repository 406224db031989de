package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WorkPruner removes leftovers from the work directory: normalized audio and
// S3 downloads whose job crashed before cleaning up after itself.
type WorkPruner struct {
	workDir   string
	retention time.Duration
	interval  time.Duration
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// NewWorkPruner creates a pruner that deletes work files older than retention.
func NewWorkPruner(workDir string, retention time.Duration, log zerolog.Logger) *WorkPruner {
	interval := retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	return &WorkPruner{
		workDir:   workDir,
		retention: retention,
		interval:  interval,
		log:       log.With().Str("component", "work-pruner").Logger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (p *WorkPruner) Start() {
	go p.loop()
}

func (p *WorkPruner) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *WorkPruner) loop() {
	defer close(p.done)

	// Run once on startup to clear any backlog from a crash
	p.prune(time.Now())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			p.prune(now)
		case <-p.stop:
			return
		}
	}
}

// prune deletes regular files older than the retention. Dot files belong to
// in-progress writes and are left alone.
func (p *WorkPruner) prune(now time.Time) int {
	cutoff := now.Add(-p.retention)
	var count int
	var freed int64

	filepath.WalkDir(p.workDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err == nil {
			count++
			freed += info.Size()
		}
		return nil
	})

	if count > 0 {
		p.log.Info().
			Int("pruned", count).
			Str("freed", humanizeBytes(freed)).
			Msg("work dir prune complete")
	}
	return count
}

func humanizeBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
