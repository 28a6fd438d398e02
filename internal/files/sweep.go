package files

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	DefaultSweepInterval = time.Hour
	DefaultMaxAge        = 30 * time.Minute
)

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	go m.sweepLoop(ctx, interval, maxAge)
}

func (m *Manager) sweepLoop(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := m.Sweep(maxAge)
			if err != nil {
				m.log.Error().Err(err).Msg("sweep storage root")
				continue
			}
			if removed > 0 {
				m.log.Info().Int("removed", removed).Msg("swept expired files")
			}
		}
	}
}

// Sweep deletes regular files under the root older than maxAge, forgets their
// handles and prunes directories left empty. It returns the number of files removed.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	cutoff := m.now().Add(-maxAge)
	var (
		stale []string
		dirs  []string
	)
	err := filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path == m.root {
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			stale = append(stale, path)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, path := range stale {
		m.mu.Lock()
		if id, ok := m.byPath[path]; ok {
			delete(m.entries, id)
			delete(m.byPath, path)
		}
		m.mu.Unlock()
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.log.Warn().Err(err).Str("path", path).Msg("remove expired file failed")
			continue
		}
		removed++
	}

	// deepest first so parents are empty by the time they are visited
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	m.mu.Lock()
	for _, dir := range dirs {
		if _, active := m.workDirs[dir]; active {
			info, err := os.Stat(dir)
			if err == nil && info.ModTime().After(cutoff) {
				continue
			}
			// abandoned by a capability that never returned
			delete(m.workDirs, dir)
		}
		_ = os.Remove(dir)
	}
	m.mu.Unlock()
	return removed, nil
}

// Usage reports the number of files and bytes under the storage root.
func (m *Manager) Usage() (files int, bytes int64, err error) {
	err = filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files++
		bytes += info.Size()
		return nil
	})
	return files, bytes, err
}
