// Package archive copies finalized settlement events to S3-compatible
// object storage as an append-only audit trail.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"foundry-backend/core/settlement"
	"foundry-backend/retry"
)

// Config locates the bucket.
type Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// ObjectPutter is the subset of the minio client the archive needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archive writes one JSON object per archived event.
type Archive struct {
	client ObjectPutter
	bucket string
	prefix string
	retry  retry.Config
	logger *slog.Logger

	buffer  int
	backlog atomic.Int64
}

// NewMinio connects to the endpoint and creates the bucket if missing.
func NewMinio(ctx context.Context, cfg Config, logger *slog.Logger) (*Archive, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("archive endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "foundry-settlements"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return New(client, bucket, cfg.Prefix, logger), nil
}

// New wraps an existing client.
func New(client ObjectPutter, bucket, prefix string, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		retry:  retry.Config{Attempts: 4, BaseDelay: 250 * time.Millisecond, MaxWait: 5 * time.Second},
		logger: logger.With("component", "archive"),
		buffer: 1024,
	}
}

// Archived reports whether ev belongs in the audit trail.
func Archived(ev settlement.Event) bool {
	switch ev.Type {
	case settlement.EventJobCompleted, settlement.EventJobRejected, settlement.EventTrustVerdict:
		return ev.JobHash != ""
	}
	return false
}

// ObjectName is the key an event is stored under:
// <prefix>/<yyyy>/<mm>/<dd>/<job hash>/<event type>.json
func (a *Archive) ObjectName(ev settlement.Event) string {
	at := ev.At.UTC()
	return path.Join(a.prefix, at.Format("2006/01/02"), ev.JobHash, string(ev.Type)+".json")
}

// Put stores one event, retrying transient failures.
func (a *Archive) Put(ctx context.Context, ev settlement.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	name := a.ObjectName(ev)
	return a.retry.Do(ctx, func(ctx context.Context) error {
		_, err := a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"job-hash":   ev.JobHash,
				"machine-id": ev.MachineID,
				"event-type": string(ev.Type),
			},
		})
		return err
	})
}

// Backlog returns the number of archived events received but not yet
// written, including the one being uploaded.
func (a *Archive) Backlog() int64 { return a.backlog.Load() }

// Run archives events from the bus until ctx ends. Events are queued in
// memory as they arrive so a slow bucket does not fill the bus
// subscription.
func (a *Archive) Run(ctx context.Context, bus *settlement.Bus) {
	events, cancel := bus.SubscribeAs("archive", a.buffer)
	defer cancel()

	var (
		mu     sync.Mutex
		queue  []settlement.Event
		closed bool
		wake   = make(chan struct{}, 1)
		done   = make(chan struct{})
	)
	signal := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	go func() {
		defer close(done)
		for ctx.Err() == nil {
			mu.Lock()
			if len(queue) == 0 {
				finished := closed
				mu.Unlock()
				if finished {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-wake:
				}
				continue
			}
			ev := queue[0]
			queue = queue[1:]
			mu.Unlock()

			if err := a.Put(ctx, ev); err != nil {
				a.logger.Error("failed to archive event", "type", ev.Type, "job_hash", ev.JobHash, "error", err)
			} else {
				a.logger.Debug("event archived", "type", ev.Type, "job_hash", ev.JobHash)
			}
			a.backlog.Add(-1)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			<-done
			if n := a.backlog.Load(); n > 0 {
				a.logger.Warn("archive stopped with events pending", "pending", n)
			}
			return
		case ev, ok := <-events:
			if !ok {
				mu.Lock()
				closed = true
				mu.Unlock()
				signal()
				<-done
				return
			}
			if !Archived(ev) {
				continue
			}
			a.backlog.Add(1)
			mu.Lock()
			queue = append(queue, ev)
			mu.Unlock()
			signal()
		}
	}
}
