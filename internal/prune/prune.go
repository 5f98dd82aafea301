package prune

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/ORCID/public-data-sync/internal/fetch"
)

// ErrOutsideRoot is returned for directories that are not below the root.
var ErrOutsideRoot = errors.New("prune: directory outside root")

// Pruner removes empty directories and stale files below a root directory.
// It never removes the root itself.
type Pruner struct {
	fs   afero.Fs
	root string
	log  logrus.FieldLogger
}

// New returns a Pruner confined to root.
func New(fsys afero.Fs, root string, log logrus.FieldLogger) *Pruner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pruner{fs: fsys, root: filepath.Clean(root), log: log}
}

// within returns the cleaned dir if it lies strictly below the root.
func (p *Pruner) within(dir string) (string, error) {
	dir = filepath.Clean(dir)
	rel, err := filepath.Rel(p.root, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, dir)
	}
	return dir, nil
}

// Prune removes every empty directory in dir's subtree, deepest first, and
// then each ancestor of dir that became empty, stopping below the root. It
// returns the number of directories removed. A missing dir is not an
// error.
func (p *Pruner) Prune(dir string) (int, error) {
	dir, err := p.within(dir)
	if err != nil {
		return 0, err
	}

	if _, err := p.fs.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return p.pruneAncestors(dir)
		}
		return 0, fmt.Errorf("prune: stat %s: %w", dir, err)
	}

	var dirs []string
	err = afero.Walk(p.fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune: walk %s: %w", dir, err)
	}

	// Deepest first so a parent is only checked after its children.
	sort.Slice(dirs, func(i, j int) bool {
		return depth(dirs[i]) > depth(dirs[j])
	})

	removed := 0
	for _, d := range dirs {
		ok, err := p.removeIfEmpty(d)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	n, err := p.pruneAncestors(dir)
	return removed + n, err
}

// pruneAncestors removes the now empty parents of dir up to the root.
func (p *Pruner) pruneAncestors(dir string) (int, error) {
	removed := 0
	for parent := filepath.Dir(dir); parent != p.root; parent = filepath.Dir(parent) {
		if _, err := p.within(parent); err != nil {
			break
		}
		ok, err := p.removeIfEmpty(parent)
		if err != nil {
			return removed, err
		}
		if !ok {
			break
		}
		removed++
	}
	return removed, nil
}

func (p *Pruner) removeIfEmpty(dir string) (bool, error) {
	empty, err := afero.IsEmpty(p.fs, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("prune: read %s: %w", dir, err)
	}
	if !empty {
		return false, nil
	}
	if err := p.fs.Remove(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("prune: remove %s: %w", dir, err)
	}
	p.log.WithField("dir", dir).Debug("Removed empty directory")
	return true, nil
}

// RemoveStale deletes the regular files below dir whose path is not in
// keep, and any leftover partial download. It returns the number of files
// removed.
func (p *Pruner) RemoveStale(dir string, keep map[string]struct{}) (int, error) {
	dir, err := p.within(dir)
	if err != nil {
		return 0, err
	}

	var stale []string
	err = afero.Walk(p.fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if _, ok := keep[path]; ok && !strings.HasSuffix(path, fetch.PartSuffix) {
			return nil
		}
		stale = append(stale, path)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune: walk %s: %w", dir, err)
	}

	removed := 0
	for _, path := range stale {
		if err := p.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("prune: remove %s: %w", path, err)
		}
		p.log.WithField("file", path).Info("Removed file no longer present remotely")
		removed++
	}
	return removed, nil
}

func depth(path string) int {
	return strings.Count(path, string(filepath.Separator))
}
