package replication

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-beacon/internal/config"
	"github.com/route-beacon/bgp-beacon/internal/metrics"
)

const (
	claimBatch   = 32
	pollInterval = 2 * time.Second
	maxBackoff   = 10 * time.Minute
)

// Shipper drains the queue and copies segment+manifest pairs to their
// destinations. One shipper task per daemon; per-segment ordering per
// destination follows queue order.
type Shipper struct {
	queue  *Queue
	dests  map[string]config.DestinationConfig
	root   string
	logger *zap.Logger
}

func NewShipper(queue *Queue, archiveRoot string, destinations []config.DestinationConfig, logger *zap.Logger) *Shipper {
	dests := make(map[string]config.DestinationConfig, len(destinations))
	for _, d := range destinations {
		dests[d.Key()] = d
	}
	return &Shipper{queue: queue, dests: dests, root: archiveRoot, logger: logger}
}

// Run polls for due jobs until the context is cancelled.
func (s *Shipper) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.runOnce(ctx); err != nil {
				s.logger.Error("replication pass failed", zap.Error(err))
			}
		}
	}
}

func (s *Shipper) runOnce(ctx context.Context) error {
	jobs, err := s.queue.ClaimReady(ctx, claimBatch)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := s.ship(ctx, job); err != nil {
			metrics.ReplicationAttemptsTotal.WithLabelValues(job.Destination, "failure").Inc()
			dest, ok := s.dests[job.Destination]
			maxRetries := 0
			backoffBase := 5 * time.Second
			if ok {
				maxRetries = dest.MaxRetries
				backoffBase = time.Duration(dest.RetryBackoffSecs) * time.Second
			}
			retryAt := time.Now().Add(backoffFor(backoffBase, job.Attempts))
			if merr := s.queue.MarkFailed(job, err.Error(), retryAt, maxRetries); merr != nil {
				return merr
			}
			s.logger.Warn("segment replication failed",
				zap.String("segment", job.SegmentPath),
				zap.String("destination", job.Destination),
				zap.Int("attempts", job.Attempts+1),
				zap.Error(err),
			)
			continue
		}
		metrics.ReplicationAttemptsTotal.WithLabelValues(job.Destination, "success").Inc()
		if err := s.queue.MarkShipped(job.ID); err != nil {
			return err
		}
		s.logger.Info("segment shipped",
			zap.String("segment", job.SegmentPath),
			zap.String("destination", job.Destination),
		)
	}
	return nil
}

// backoffFor computes exponential backoff with ±25% jitter.
func backoffFor(base time.Duration, attempts int) time.Duration {
	d := base
	for i := 0; i < attempts && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}

func (s *Shipper) ship(ctx context.Context, job Job) error {
	dest, ok := s.dests[job.Destination]
	if !ok {
		return fmt.Errorf("replication: destination %s not configured", job.Destination)
	}
	rel, err := filepath.Rel(s.root, job.SegmentPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		// Fall back to the bare file name for segments outside the root.
		rel = filepath.Base(job.SegmentPath)
	}
	switch dest.Type {
	case "local":
		if err := copyAtomic(job.SegmentPath, filepath.Join(dest.Path, rel)); err != nil {
			return err
		}
		return copyAtomic(job.ManifestPath, filepath.Join(dest.Path, rel+".manifest.json"))
	case "s3":
		return s.shipS3(ctx, dest, job, filepath.ToSlash(rel))
	default:
		return fmt.Errorf("replication: unknown destination type %q", dest.Type)
	}
}

// copyAtomic copies via a temp file and rename so partially shipped files
// never appear at the destination path.
func copyAtomic(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("replication: creating destination dir: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("replication: opening %s: %w", src, err)
	}
	defer in.Close()

	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp")
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("replication: creating %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("replication: copying to %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replication: closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replication: finalizing %s: %w", dst, err)
	}
	return nil
}

func (s *Shipper) shipS3(ctx context.Context, dest config.DestinationConfig, job Job, rel string) error {
	client, err := minio.New(dest.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(dest.AccessKeyID, dest.SecretAccessKey, ""),
		Secure: dest.UseSSL,
		Region: dest.Region,
	})
	if err != nil {
		return fmt.Errorf("replication: s3 client for %s: %w", dest.Endpoint, err)
	}

	key := rel
	if prefix := strings.Trim(dest.Prefix, "/"); prefix != "" {
		key = prefix + "/" + rel
	}
	for _, upload := range []struct{ path, key string }{
		{job.SegmentPath, key},
		{job.ManifestPath, key + ".manifest.json"},
	} {
		if _, err := client.FPutObject(ctx, dest.Bucket, upload.key, upload.path,
			minio.PutObjectOptions{ContentType: "application/octet-stream"}); err != nil {
			return fmt.Errorf("replication: uploading s3://%s/%s: %w", dest.Bucket, upload.key, err)
		}
	}
	return nil
}
