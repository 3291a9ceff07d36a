// Package gcs uploads pipeline artifacts (page images and source PDFs) to
// Google Cloud Storage and owns the rate-limit backoff contract the pipeline
// imposes on those uploads.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// RetryPolicy bounds retries on rate-limited uploads. Non-rate-limit errors
// are never retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of upload attempts before the last
	// rate-limit error surfaces to the caller.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Jitter returns the random pause added to each backoff. Nil means a
	// uniform draw from [0,1) seconds.
	Jitter func() time.Duration
}

// DefaultRetryPolicy matches the pipeline's upload contract: 5 attempts,
// exponential backoff from 2s doubling to a 60s cap, plus jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
	}
}

func (p RetryPolicy) jitter() time.Duration {
	if p.Jitter != nil {
		return p.Jitter()
	}
	return time.Duration(rand.Float64() * float64(time.Second))
}

// Store uploads artifacts to the two pipeline buckets.
type Store struct {
	client      *storage.Client
	imageBucket string
	pdfBucket   string
	retry       RetryPolicy
	logger      *slog.Logger
}

// NewStore creates a Store. credentialsPath may be empty, in which case
// application default credentials apply.
func NewStore(ctx context.Context, credentialsPath, imageBucket, pdfBucket string, logger *slog.Logger) (*Store, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &Store{
		client:      client,
		imageBucket: imageBucket,
		pdfBucket:   pdfBucket,
		retry:       DefaultRetryPolicy(),
		logger:      logger.With("component", "gcs"),
	}, nil
}

// UploadImage writes a PNG page image under key and returns its public URL.
func (s *Store) UploadImage(ctx context.Context, data []byte, key string) (string, error) {
	return s.upload(ctx, s.imageBucket, key, "image/png", data)
}

// UploadPDF writes a source PDF under key and returns its public URL.
func (s *Store) UploadPDF(ctx context.Context, data []byte, key string) (string, error) {
	return s.upload(ctx, s.pdfBucket, key, "application/pdf", data)
}

// PublicURL is the deterministic public address of an object.
func PublicURL(bucket, key string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucket, key)
}

func (s *Store) upload(ctx context.Context, bucket, key, contentType string, data []byte) (string, error) {
	op := func() error {
		writer := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
		writer.ContentType = contentType
		if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
			_ = writer.Close()
			return fmt.Errorf("failed to write object %s: %w", key, err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("failed to finalize object %s: %w", key, err)
		}
		return nil
	}
	if err := UploadWithRetry(ctx, s.logger, s.retry, key, op); err != nil {
		return "", err
	}
	s.logger.Info("Uploaded object.", "bucket", bucket, "object", key)
	return PublicURL(bucket, key), nil
}

// UploadWithRetry runs op, backing off and retrying on rate-limit signals per
// the policy. Any other error propagates immediately.
func UploadWithRetry(ctx context.Context, logger *slog.Logger, policy RetryPolicy, key string, op func() error) error {
	delay := policy.InitialDelay
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !IsRateLimited(err) {
			logger.Error("Upload failed.", "object", key, "error", err)
			return err
		}
		if attempt >= policy.MaxAttempts {
			logger.Error("Exceeded max retries due to rate limiting.",
				"object", key, "attempts", attempt, "error", err)
			return fmt.Errorf("rate limited after %d attempts: %w", attempt, err)
		}
		sleep := delay + policy.jitter()
		logger.Warn("Rate limit hit, backing off.",
			"object", key, "attempt", attempt, "sleep", sleep.String())
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, policy.MaxDelay)
	}
}

// IsRateLimited reports whether err is a backend slow-down signal.
func IsRateLimited(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests
	}
	return false
}
