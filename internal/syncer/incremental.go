package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ORCID/public-data-sync/internal/fetch"
	"github.com/ORCID/public-data-sync/internal/lister"
	"github.com/ORCID/public-data-sync/internal/manifest"
	"github.com/ORCID/public-data-sync/internal/shard"
)

// entity is an activities entity waiting for cleanup once its downloads
// are done.
type entity struct {
	id   string
	keep map[string]struct{}
}

// incremental fetches the objects of every entity the manifest reports as
// changed since cutoff. Each stream scans the manifest on its own.
func (s *Syncer) incremental(ctx context.Context, kind shard.Kind, cutoff time.Time, l *lister.Lister, exec *fetch.Executor, log logrus.FieldLogger) (fetch.Summary, error) {
	rc, err := manifest.Open(ctx, s.fs, s.cfg.Manifest)
	if err != nil {
		return fetch.Summary{}, err
	}
	defer rc.Close()

	batch := exec.Begin(ctx)

	// Cleanup of an activities entity has to wait for its downloads, so
	// entities are flushed in groups to keep the workers busy.
	var pending []entity
	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch.Flush()
		for _, e := range pending {
			if err := s.cleanup(e); err != nil {
				log.WithError(err).WithField("entity", e.id).Warn("Failed to clean up entity directory")
			}
		}
		pending = pending[:0]
	}

	stats, err := manifest.Select(ctx, manifest.NewReader(rc), cutoff, log, func(rec manifest.Record) error {
		s.metrics.EntitySelected(string(kind))
		e, err := s.dispatchEntity(ctx, kind, rec.EntityID, l, batch, log)
		if err != nil {
			return err
		}
		if kind != shard.Activities {
			return nil
		}
		pending = append(pending, e)
		if len(pending) >= s.cfg.Workers {
			flush()
		}
		return nil
	})
	if err == nil {
		flush()
	}
	sum := batch.Wait()

	s.metrics.ManifestRowsSkipped(stats.Skipped)
	log.WithFields(logrus.Fields{
		"rows":            stats.Rows,
		"selected":        stats.Selected,
		"skipped_rows":    stats.Skipped,
		"short_circuited": stats.ShortCircuited,
	}).Info("Manifest scanned")

	return sum, err
}

// dispatchEntity lists an entity's objects in its bucket and submits them.
func (s *Syncer) dispatchEntity(ctx context.Context, kind shard.Kind, id string, l *lister.Lister, batch *fetch.Batch, log logrus.FieldLogger) (entity, error) {
	e := entity{id: id, keep: make(map[string]struct{})}
	bucket := s.bucketFor(kind, id)

	prefix := shard.ActivityPrefix(id)
	if kind == shard.Summaries {
		prefix = shard.SummaryKey(id)
	}

	stream := lister.Stream{Name: string(kind), Buckets: []string{bucket}, Prefix: prefix}
	err := l.Run(ctx, stream, s.open, func(_ context.Context, p lister.Page) error {
		for _, obj := range p.Objects {
			if kind == shard.Summaries && obj.Key != prefix {
				continue
			}
			dest := obj.LocalPath(s.cfg.Path)
			e.keep[dest] = struct{}{}
			if err := batch.Submit(fetch.Task{Object: obj, Dest: dest}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return e, fmt.Errorf("entity %s: %w", id, err)
	}

	if len(e.keep) == 0 {
		log.WithFields(logrus.Fields{
			"entity": id,
			"bucket": bucket,
		}).Warn("No remote objects found for changed entity")
	}
	return e, nil
}

// errNotEntityDir is returned when an entity id does not resolve to its
// own directory at <root>/activities/<checksum>/<id>.
var errNotEntityDir = errors.New("not an entity directory")

// cleanup removes local activities of an entity that no longer exist
// remotely, then the directories left empty.
func (s *Syncer) cleanup(e entity) error {
	dir, err := s.entityDir(e.id)
	if err != nil {
		return err
	}

	removed, err := s.pruner.RemoveStale(dir, e.keep)
	s.metrics.StaleFilesRemoved(removed)
	if err != nil {
		return err
	}

	pruned, err := s.pruner.Prune(dir)
	s.metrics.DirsPruned(pruned)
	return err
}

// entityDir returns the activities directory of id, refusing anything that
// is not exactly three levels below the output root.
func (s *Syncer) entityDir(id string) (string, error) {
	if err := shard.ValidateID(id); err != nil {
		return "", err
	}
	dir := shard.EntityDir(s.cfg.Path, shard.Activities, id)
	rel, err := filepath.Rel(filepath.Clean(s.cfg.Path), dir)
	if err != nil {
		return "", fmt.Errorf("%w: %s", errNotEntityDir, dir)
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 || parts[0] != string(shard.Activities) || parts[1] != shard.Checksum(id) || parts[2] != id {
		return "", fmt.Errorf("%w: %s", errNotEntityDir, dir)
	}
	return dir, nil
}
