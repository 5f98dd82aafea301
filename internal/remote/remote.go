// Package remote opens the public data buckets and classifies their errors.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/ORCID/public-data-sync/internal/shard"
)

// URLFunc turns a bucket name into a gocloud bucket URL.
type URLFunc func(bucket string) string

// URLTemplate returns a URLFunc building "scheme://bucket?query".
func URLTemplate(scheme, query string) URLFunc {
	return func(bucket string) string {
		u := url.URL{Scheme: scheme, Host: bucket, RawQuery: query}
		return u.String()
	}
}

// URLPattern returns a URLFunc substituting the bucket name for every
// "{bucket}" in pattern, e.g. "file:///srv/mirror/{bucket}".
func URLPattern(pattern string) URLFunc {
	return func(bucket string) string {
		return strings.ReplaceAll(pattern, "{bucket}", bucket)
	}
}

// Buckets opens buckets by name on first use and shares them between
// streams. It is safe for concurrent use.
type Buckets struct {
	urlFor URLFunc

	mu    sync.Mutex
	open  map[string]*blob.Bucket
	owned map[string]bool
}

// New returns an empty registry.
func New(urlFor URLFunc) *Buckets {
	return &Buckets{
		urlFor: urlFor,
		open:   make(map[string]*blob.Bucket),
		owned:  make(map[string]bool),
	}
}

// Register makes an already opened bucket available under name. The caller
// keeps ownership and closes it.
func (b *Buckets) Register(name string, bucket *blob.Bucket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open[name] = bucket
	delete(b.owned, name)
}

// Bucket returns the bucket called name, opening it if needed.
func (b *Buckets) Bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bucket, ok := b.open[name]; ok {
		return bucket, nil
	}
	if b.urlFor == nil {
		return nil, fmt.Errorf("remote: bucket %q is not registered", name)
	}

	bucket, err := blob.OpenBucket(ctx, b.urlFor(name))
	if err != nil {
		return nil, fmt.Errorf("remote: open bucket %s: %w", name, err)
	}
	b.open[name] = bucket
	b.owned[name] = true
	return bucket, nil
}

// Open returns a reader over the object's contents.
func (b *Buckets) Open(ctx context.Context, obj shard.Object) (io.ReadCloser, error) {
	bucket, err := b.Bucket(ctx, obj.Bucket)
	if err != nil {
		return nil, err
	}
	r, err := bucket.NewReader(ctx, obj.Key, nil)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Close closes every bucket the registry opened itself.
func (b *Buckets) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for name, bucket := range b.open {
		if !b.owned[name] {
			continue
		}
		if err := bucket.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bucket %s: %w", name, err))
		}
	}
	b.open = make(map[string]*blob.Bucket)
	b.owned = make(map[string]bool)
	return errors.Join(errs...)
}

// Error kinds reported in logs and metrics.
const (
	KindNotFound         = "not_found"
	KindPermissionDenied = "permission_denied"
	KindTimeout          = "timeout"
	KindCanceled         = "canceled"
	KindThrottled        = "throttled"
	KindUnknown          = "unknown"
)

// Kind classifies a remote error for diagnostics.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}

	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return KindNotFound
	case gcerrors.PermissionDenied:
		return KindPermissionDenied
	case gcerrors.DeadlineExceeded:
		return KindTimeout
	case gcerrors.Canceled:
		return KindCanceled
	case gcerrors.ResourceExhausted:
		return KindThrottled
	default:
		return KindUnknown
	}
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
