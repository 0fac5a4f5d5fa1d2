// Package artifact persists build artifacts to blob storage once a build
// has finished running.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"buildrunner/internal/build"
)

// Persister copies artifacts from the build's scratch directory into a bucket.
type Persister struct {
	bucket *blob.Bucket
	logger *slog.Logger
}

// OpenBucket opens the bucket at url (e.g. "file:///var/artifacts", "mem://", "s3://bucket").
func OpenBucket(ctx context.Context, url string) (*blob.Bucket, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %q: %w", url, err)
	}
	return bucket, nil
}

// New creates a Persister writing into bucket.
func New(bucket *blob.Bucket, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{bucket: bucket, logger: logger}
}

// Persist stores result's artifact under its name. It is a no-op when the build
// produces no artifact. A missing artifact file fails only builds that exited 0;
// a failed script is not expected to leave its artifact behind.
func (p *Persister) Persist(ctx context.Context, result build.ExecutionResult) error {
	a := result.Artifact
	if !a.Produce {
		return nil
	}

	f, err := os.Open(a.Path)
	if errors.Is(err, fs.ErrNotExist) && result.Status.ExitCode != 0 {
		p.logger.InfoContext(ctx, "no artifact left by failed build", "artifact", a.Name, "exit_code", result.Status.ExitCode)
		return nil
	}
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", a.Name, err)
	}
	defer f.Close()

	w, err := p.bucket.NewWriter(ctx, a.Name, &blob.WriterOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("create artifact writer %s: %w", a.Name, err)
	}
	n, err := io.Copy(w, f)
	if err != nil {
		w.Close()
		return fmt.Errorf("write artifact %s: %w", a.Name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("write artifact %s: %w", a.Name, err)
	}

	p.logger.InfoContext(ctx, "artifact persisted", "artifact", a.Name, "bytes", n)
	return nil
}
