package manifest

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"gocloud.dev/blob"
)

// Open opens a manifest location for reading.
//
// A location containing "://" is a bucket URL followed by "#" and the
// object key, for example "s3://orcid-lambda-file#last_modified.csv.tar".
// Anything else is a path on fs. Tar archives (optionally gzip compressed)
// are unwrapped to their first regular file.
func Open(ctx context.Context, fs afero.Fs, location string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	if strings.Contains(location, "://") {
		bucketURL, key, ok := strings.Cut(location, "#")
		if !ok || key == "" {
			return nil, fmt.Errorf("manifest: %q: bucket location needs a #key suffix", location)
		}
		bucket, err := blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, fmt.Errorf("manifest: open bucket: %w", err)
		}
		r, err := bucket.NewReader(ctx, key, nil)
		if err != nil {
			bucket.Close()
			return nil, fmt.Errorf("manifest: open %s: %w", key, err)
		}
		rc = &closers{Reader: r, closers: []io.Closer{r, bucket}}
	} else {
		f, err := fs.Open(location)
		if err != nil {
			return nil, fmt.Errorf("manifest: %w", err)
		}
		rc = f
	}

	return unwrapArchive(rc)
}

// unwrapArchive sniffs rc and returns the first regular file of a tar or
// tar.gz stream, or rc itself for plain text.
func unwrapArchive(rc io.ReadCloser) (io.ReadCloser, error) {
	br := bufio.NewReaderSize(rc, 64*1024)
	closeAll := []io.Closer{rc}

	var r io.Reader = br
	if magic, _ := br.Peek(2); bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("manifest: gzip: %w", err)
		}
		closeAll = append([]io.Closer{gz}, closeAll...)
		br = bufio.NewReaderSize(gz, 64*1024)
		r = br
	}

	// ustar magic lives at offset 257 of the first header block.
	head, _ := br.Peek(262)
	if len(head) < 262 || !bytes.Equal(head[257:262], []byte("ustar")) {
		return &closers{Reader: r, closers: closeAll}, nil
	}

	tr := tar.NewReader(br)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			for _, c := range closeAll {
				c.Close()
			}
			return nil, errors.New("manifest: archive contains no regular file")
		}
		if err != nil {
			for _, c := range closeAll {
				c.Close()
			}
			return nil, fmt.Errorf("manifest: tar: %w", err)
		}
		if hdr.FileInfo().Mode().IsRegular() {
			return &closers{Reader: tr, closers: closeAll}, nil
		}
	}
}

type closers struct {
	io.Reader
	closers []io.Closer
}

func (c *closers) Close() error {
	var errs []error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
