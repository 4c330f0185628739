// Package backup archives the database's record trees and enforces a
// keep-the-N-newest retention policy on the archive directory.
package backup

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	archivePrefix = "backup_"
	archiveSuffix = ".tar.gz"
)

// Options configures backup behavior.
type Options struct {
	// Retention is how many archives to keep. Older archives (by
	// modification time) are deleted once exceeded. <= 0 keeps everything.
	Retention int

	// Logger receives backup progress. Defaults to a discard logger.
	Logger *slog.Logger
}

// DefaultOptions contains the default backup configuration.
var DefaultOptions = Options{
	Retention: 5,
}

// Manager writes and prunes archives of a database root directory.
type Manager struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates a backup manager.
func New(optFns ...func(o *Options)) *Manager {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Manager{opts: opts, logger: logger, now: time.Now}
}

// Create archives srcRoot into destDir as backup_<timestamp>.tar.gz and
// applies the retention policy. It returns the archive path.
func (m *Manager) Create(srcRoot, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	name := fmt.Sprintf("%s%s%s", archivePrefix, m.now().UTC().Format("20060102T150405Z"), archiveSuffix)
	path := filepath.Join(destDir, name)

	if err := writeArchive(srcRoot, path); err != nil {
		_ = os.Remove(path)
		return "", err
	}

	m.logger.Info("backup created", "archive", path)

	if err := m.prune(destDir); err != nil {
		return path, fmt.Errorf("backup retention: %w", err)
	}
	return path, nil
}

func writeArchive(srcRoot, destPath string) error {
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	zw := gzip.NewWriter(f)
	tw := tar.NewWriter(zw)

	err = filepath.WalkDir(srcRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()

		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", srcRoot, err)
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// prune deletes the oldest archives (by modification time) beyond Retention.
func (m *Manager) prune(destDir string) error {
	if m.opts.Retention <= 0 {
		return nil
	}

	archives, err := listArchives(destDir)
	if err != nil {
		return err
	}
	if len(archives) <= m.opts.Retention {
		return nil
	}

	for _, a := range archives[:len(archives)-m.opts.Retention] {
		if err := os.Remove(a.path); err != nil {
			return err
		}
		m.logger.Info("backup pruned", "archive", a.path)
	}
	return nil
}

type archiveInfo struct {
	path    string
	modTime time.Time
}

// List returns the archive paths in destDir, oldest first.
func List(destDir string) ([]string, error) {
	archives, err := listArchives(destDir)
	if err != nil {
		return nil, err
	}

	paths := make([]string, len(archives))
	for i, a := range archives {
		paths[i] = a.path
	}
	return paths, nil
}

func listArchives(destDir string) ([]archiveInfo, error) {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return nil, err
	}

	var archives []archiveInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), archivePrefix) || !strings.HasSuffix(e.Name(), archiveSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		archives = append(archives, archiveInfo{
			path:    filepath.Join(destDir, e.Name()),
			modTime: info.ModTime(),
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].modTime.Before(archives[j].modTime)
	})
	return archives, nil
}
