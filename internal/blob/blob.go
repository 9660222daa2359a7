// Package blob stores uploaded proof and evidence files and mints short-lived download URLs.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// ErrNotFound is returned for refs the store does not know
var ErrNotFound = errors.New("blob not found")

// Metadata describes an uploaded object
type Metadata struct {
	TransactionID string
	Filename      string
	ContentType   string
}

// Store is the blob store contract: objects are written once and read only through signed URLs
type Store interface {
	PutAsset(ctx context.Context, data []byte, meta Metadata) (string, error)
	SignedURL(ctx context.Context, ref string, ttl time.Duration) (string, error)
}

// StorageKey builds the object key for a transaction's upload
func StorageKey(transactionID string) string {
	d := time.Now().UTC()
	return fmt.Sprintf("transactions/%s/%d/%02d/%s", transactionID, d.Year(), d.Month(), uuid.NewString())
}

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	putObject = func(c *s3.Client, ctx context.Context, in *s3.PutObjectInput) error {
		_, err := c.PutObject(ctx, in)
		return err
	}

	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
)

// S3Options configures the S3 store
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string // Optional, for MinIO and similar
	AccessKey string // Optional static credentials
	SecretKey string
}

// S3Store keeps blobs in an S3 bucket
type S3Store struct {
	bucket  string
	client  *s3.Client
	presign *s3.PresignClient
}

// NewS3Store builds a store from static credentials or the default AWS chain
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := loadDefaultAWSConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{bucket: opts.Bucket, client: client, presign: s3.NewPresignClient(client)}, nil
}

// PutAsset implements Store; the ref is the object key
func (s *S3Store) PutAsset(ctx context.Context, data []byte, meta Metadata) (string, error) {
	key := StorageKey(meta.TransactionID)
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if meta.ContentType != "" {
		in.ContentType = aws.String(meta.ContentType)
	}
	if meta.Filename != "" {
		in.ContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", meta.Filename))
	}
	if err := putObject(s.client, ctx, in); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return key, nil
}

// SignedURL implements Store with a presigned GET
func (s *S3Store) SignedURL(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	req, err := presignGetObject(s.presign, ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}

// MemoryStore keeps blobs in memory and signs URLs against a fake host
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	Host  string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: map[string][]byte{}, Host: "https://blobs.invalid"}
}

// PutAsset implements Store
func (m *MemoryStore) PutAsset(_ context.Context, data []byte, meta Metadata) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := StorageKey(meta.TransactionID)
	m.blobs[key] = append([]byte(nil), data...)
	return key, nil
}

// SignedURL implements Store
func (m *MemoryStore) SignedURL(_ context.Context, ref string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[ref]; !ok {
		return "", ErrNotFound
	}
	exp := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("%s/%s?expires=%d", m.Host, url.PathEscape(ref), exp), nil
}

// Get returns a stored blob
func (m *MemoryStore) Get(ref string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[ref]
	return b, ok
}
