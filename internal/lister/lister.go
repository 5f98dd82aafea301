package lister

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"

	"github.com/ORCID/public-data-sync/internal/metrics"
	"github.com/ORCID/public-data-sync/internal/shard"
	"github.com/ORCID/public-data-sync/internal/state"
)

// DefaultPageSize is the number of keys requested per page.
const DefaultPageSize = 1000

// Source is the remote listing capability. *blob.Bucket satisfies it.
type Source interface {
	ListPage(ctx context.Context, pageToken []byte, pageSize int, opts *blob.ListOptions) ([]*blob.ListObject, []byte, error)
}

// OpenFunc returns the Source for a bucket name.
type OpenFunc func(ctx context.Context, bucket string) (Source, error)

// Stream is an ordered set of buckets listed under one checkpoint.
type Stream struct {
	Name    string
	Buckets []string
	Prefix  string
}

// Page is one listing page, decomposed into objects.
type Page struct {
	Stream  string
	Bucket  string
	Number  int
	Objects []shard.Object
	// Next is the continuation token after this page; nil on the last page
	// of Bucket.
	Next []byte
}

// ListError is returned when the remote listing fails. The checkpoint is
// left at the last page that was handed to the callback.
type ListError struct {
	Bucket string
	Page   int
	Err    error
}

func (e *ListError) Error() string {
	return fmt.Sprintf("list %s page %d: %v", e.Bucket, e.Page, e.Err)
}

func (e *ListError) Unwrap() error {
	return e.Err
}

// Lister walks the buckets of a stream page by page.
type Lister struct {
	Kind        shard.Kind
	PageSize    int
	CallTimeout time.Duration

	// Store persists a checkpoint after each page. Nil disables
	// checkpointing.
	Store *state.Store

	// Recovery resumes from the saved checkpoint instead of starting over.
	Recovery bool

	Log     logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Run lists every bucket of s in order and calls fn once per page. The
// checkpoint for a page is saved only after fn returns nil for it.
func (l *Lister) Run(ctx context.Context, s Stream, open OpenFunc, fn func(ctx context.Context, p Page) error) error {
	pageSize := l.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	log := l.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("stream", s.Name)

	start, token, err := l.resumePoint(s, log)
	if err != nil {
		return err
	}

	for i := start; i < len(s.Buckets); i++ {
		bucket := s.Buckets[i]
		src, err := open(ctx, bucket)
		if err != nil {
			return fmt.Errorf("open bucket %s: %w", bucket, err)
		}

		if err := l.listBucket(ctx, s, bucket, src, token, pageSize, log, fn); err != nil {
			return err
		}
		token = nil
	}
	return nil
}

// resumePoint returns the bucket index and token to start from.
func (l *Lister) resumePoint(s Stream, log logrus.FieldLogger) (int, []byte, error) {
	if !l.Recovery || l.Store == nil {
		return 0, nil, nil
	}

	cp, err := l.Store.Load(s.Name)
	if err != nil {
		return 0, nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		log.Info("No checkpoint found, listing from the start")
		return 0, nil, nil
	}

	for i, b := range s.Buckets {
		if b != cp.Bucket {
			continue
		}
		if cp.Exhausted() {
			log.WithField("bucket", b).Info("Bucket already listed, resuming with the next one")
			return i + 1, nil, nil
		}
		log.WithField("bucket", b).Info("Resuming from checkpoint")
		return i, cp.ContinuationToken, nil
	}

	log.WithField("bucket", cp.Bucket).Warn("Checkpoint refers to an unknown bucket, listing from the start")
	return 0, nil, nil
}

func (l *Lister) listBucket(ctx context.Context, s Stream, bucket string, src Source, token []byte, pageSize int, log logrus.FieldLogger, fn func(context.Context, Page) error) error {
	if token == nil {
		token = blob.FirstPageToken
	}
	opts := &blob.ListOptions{Prefix: s.Prefix}
	log = log.WithField("bucket", bucket)

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		objs, next, err := l.listPage(ctx, src, token, pageSize, opts)
		if err != nil {
			return &ListError{Bucket: bucket, Page: n, Err: err}
		}

		page := Page{Stream: s.Name, Bucket: bucket, Number: n, Next: next}
		for _, o := range objs {
			if o.IsDir || strings.HasSuffix(o.Key, "/") {
				continue
			}
			obj, err := shard.ParseKey(l.Kind, bucket, o.Key)
			if err != nil {
				log.WithError(err).WithField("key", o.Key).Warn("Skipping object with unexpected key")
				continue
			}
			obj.Size = o.Size
			obj.ModTime = o.ModTime
			page.Objects = append(page.Objects, obj)
		}

		log.WithFields(logrus.Fields{
			"page":    n,
			"objects": len(page.Objects),
		}).Debug("Listed page")
		l.Metrics.PageDispatched(s.Name, bucket)

		if err := fn(ctx, page); err != nil {
			return err
		}

		if l.Store != nil {
			cp := &state.Checkpoint{Stream: s.Name, Bucket: bucket}
			if next != nil {
				cp.ContinuationToken = append([]byte(nil), next...)
			}
			if err := l.Store.Save(cp); err != nil {
				return err
			}
			l.Metrics.CheckpointSaved(s.Name)
		}

		if next == nil {
			return nil
		}
		token = next
	}
}

func (l *Lister) listPage(ctx context.Context, src Source, token []byte, pageSize int, opts *blob.ListOptions) ([]*blob.ListObject, []byte, error) {
	if l.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.CallTimeout)
		defer cancel()
	}
	return src.ListPage(ctx, token, pageSize, opts)
}
