package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config locates the bucket for S3Store.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Store is the DocStore backed by an S3-compatible bucket. Each run is one
// JSON object under runs/, each what-if one object under what_ifs/<run id>/.
//
// Read-modify-write operations (merge Put, Update) are not atomic across
// processes. One process owns a run for its lifetime, so that is acceptable.
type S3Store struct {
	client   *minio.Client
	bucket   string
	region   string
	initOnce sync.Once
	initErr  error
}

// NewS3 validates cfg and builds the client. The bucket is created lazily on
// first use.
func NewS3(cfg S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("store: s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, errors.New("store: s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("store: s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("store: init s3 client: %w", err)
	}

	return &S3Store{client: client, bucket: bucket, region: region}, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	})
	if s.initErr != nil {
		return fmt.Errorf("store: ensure bucket: %w", s.initErr)
	}
	return nil
}

func runKey(id string) string { return "runs/" + id + ".json" }

func whatIfPrefix(runID string) string { return "what_ifs/" + runID + "/" }

func whatIfKey(runID, scenarioID string) string {
	return whatIfPrefix(runID) + scenarioID + ".json"
}

// ─── OBJECT HELPERS ───────────────────────────────────────────────────────────

func (s *S3Store) putJSON(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", key, err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return fmt.Errorf("store: put object %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) getJSON(ctx context.Context, key string, v any) error {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return mapS3Err(key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return mapS3Err(key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: decode %s: %w", key, err)
	}
	return nil
}

func mapS3Err(key string, err error) error {
	code := minio.ToErrorResponse(err).Code
	if code == "NoSuchKey" || code == "NoSuchBucket" {
		return ErrNotFound
	}
	return fmt.Errorf("store: get object %s: %w", key, err)
}

// keys lists object keys under prefix.
func (s *S3Store) keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("store: list %s: %w", prefix, obj.Err)
		}
		if obj.Key != "" {
			out = append(out, obj.Key)
		}
	}
	return out, nil
}

// ─── OPERATIONS ───────────────────────────────────────────────────────────────

func (s *S3Store) Put(ctx context.Context, run Run, merge bool) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	now := time.Now().UTC()
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	if merge {
		var prev Run
		switch err := s.getJSON(ctx, runKey(run.ID), &prev); {
		case err == nil:
			run = mergeRun(prev, run)
		case !errors.Is(err, ErrNotFound):
			return err
		}
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	return s.putJSON(ctx, runKey(run.ID), run)
}

func (s *S3Store) Update(ctx context.Context, id string, u RunUpdate) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	var r Run
	if err := s.getJSON(ctx, runKey(id), &r); err != nil {
		return err
	}
	return s.putJSON(ctx, runKey(id), applyUpdate(r, u, time.Now().UTC()))
}

func (s *S3Store) Get(ctx context.Context, id string) (Run, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return Run{}, err
	}
	var r Run
	if err := s.getJSON(ctx, runKey(id), &r); err != nil {
		return Run{}, err
	}
	return r, nil
}

func (s *S3Store) Delete(ctx context.Context, id string) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	if _, err := s.client.StatObject(ctx, s.bucket, runKey(id), minio.StatObjectOptions{}); err != nil {
		return mapS3Err(runKey(id), err)
	}

	children, err := s.keys(ctx, whatIfPrefix(id))
	if err != nil {
		return err
	}
	for _, key := range append(children, runKey(id)) {
		if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("store: remove object %s: %w", key, err)
		}
	}
	return nil
}

// List reads every run object. Run counts per deployment are small; a
// deployment that outgrows this should use the SQL backend.
func (s *S3Store) List(ctx context.Context, limit int) ([]Run, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	keys, err := s.keys(ctx, "runs/")
	if err != nil {
		return nil, err
	}

	out := make([]Run, 0, len(keys))
	for _, key := range keys {
		if path.Ext(key) != ".json" {
			continue
		}
		var r Run
		if err := s.getJSON(ctx, key, &r); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // deleted between list and get
			}
			return nil, err
		}
		out = append(out, summary(r))
	}

	sortRunsNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *S3Store) PutWhatIf(ctx context.Context, w WhatIf) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	return s.putJSON(ctx, whatIfKey(w.RunID, w.ScenarioID), w)
}

func (s *S3Store) ListWhatIfs(ctx context.Context, runID string) ([]WhatIf, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	keys, err := s.keys(ctx, whatIfPrefix(runID))
	if err != nil {
		return nil, err
	}
	out := make([]WhatIf, 0, len(keys))
	for _, key := range keys {
		var w WhatIf
		if err := s.getJSON(ctx, key, &w); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, w)
	}
	sortWhatIfsOldestFirst(out)
	return out, nil
}
