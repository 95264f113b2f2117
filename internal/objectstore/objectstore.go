// Package objectstore issues time-limited signed URLs against an
// S3-compatible bucket for the direct-upload ingress path (spec.md §4.4.8,
// §6): a signed PUT lets the browser upload audio straight to storage, and a
// signed GET hands the worker a fetchable URL once the job is picked up.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DefaultPutExpiry and DefaultGetExpiry match spec.md §4.4.8's direct-upload
// contract: a 15 minute window to complete the PUT.
const (
	DefaultPutExpiry = 15 * time.Minute
	DefaultGetExpiry = 1 * time.Hour
)

// Presigner is the narrow surface this package needs from the S3 presign
// client, letting tests substitute a fake without a network-backed SDK call.
type Presigner interface {
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedHTTPRequest, error)
}

// v4PresignedHTTPRequest mirrors the field of *v4.PresignedHTTPRequest this
// package reads, so Presigner doesn't need to import the v4 signer package
// directly in its method signatures.
type v4PresignedHTTPRequest struct {
	URL string
}

// Putter is the narrow surface this package needs to upload bytes directly,
// used for the diarization passes' signed-URL-fed flow: the worker must
// place the prepared audio into the bucket itself before handing the ASR
// providers a GET URL. *s3.Client satisfies it.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store issues signed PUT/GET URLs for one bucket.
type Store struct {
	presign Presigner
	putter  Putter
	bucket  string
	putTTL  time.Duration
	getTTL  time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithPutExpiry overrides the signed-PUT TTL.
func WithPutExpiry(d time.Duration) Option {
	return func(s *Store) { s.putTTL = d }
}

// WithGetExpiry overrides the signed-GET TTL.
func WithGetExpiry(d time.Duration) Option {
	return func(s *Store) { s.getTTL = d }
}

// WithPutter attaches a direct-upload client, enabling [Store.Put]. Without
// it, Put returns an error; presign-only callers (the browser direct-upload
// path) never need one.
func WithPutter(p Putter) Option {
	return func(s *Store) { s.putter = p }
}

// New builds a Store over an already-constructed presign client, for tests
// and for callers that want to customize S3 client options themselves.
func New(presign Presigner, bucket string, opts ...Option) *Store {
	s := &Store{
		presign: presign,
		bucket:  bucket,
		putTTL:  DefaultPutExpiry,
		getTTL:  DefaultGetExpiry,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Config is the subset of object-store connection settings Open needs.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PutExpiry       time.Duration
	GetExpiry       time.Duration
}

// Open constructs a Store backed by a real S3-compatible endpoint,
// following the same config.LoadDefaultConfig-then-client idiom used for the
// queue's SQS client.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.Endpoint != ""
	})
	presignClient := s3.NewPresignClient(client)

	opts := []Option{WithPutter(client)}
	if cfg.PutExpiry > 0 {
		opts = append(opts, WithPutExpiry(cfg.PutExpiry))
	}
	if cfg.GetExpiry > 0 {
		opts = append(opts, WithGetExpiry(cfg.GetExpiry))
	}
	return New(&sdkPresigner{client: presignClient}, cfg.Bucket, opts...), nil
}

// sdkPresigner adapts *s3.PresignClient to the narrow Presigner interface.
type sdkPresigner struct {
	client *s3.PresignClient
}

func (p *sdkPresigner) PresignPutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedHTTPRequest, error) {
	req, err := p.client.PresignPutObject(ctx, in, optFns...)
	if err != nil {
		return nil, err
	}
	return &v4PresignedHTTPRequest{URL: req.URL}, nil
}

func (p *sdkPresigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedHTTPRequest, error) {
	req, err := p.client.PresignGetObject(ctx, in, optFns...)
	if err != nil {
		return nil, err
	}
	return &v4PresignedHTTPRequest{URL: req.URL}, nil
}

// SignedPut returns a URL the caller may PUT the object's bytes to directly,
// valid for the Store's put TTL.
func (s *Store) SignedPut(ctx context.Context, key, contentType string) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(po *s3.PresignOptions) { po.Expires = s.putTTL })
	if err != nil {
		return "", fmt.Errorf("objectstore: presign put %q: %w", key, err)
	}
	return req.URL, nil
}

// SignedGet returns a URL the worker may GET the object's bytes from,
// valid for the Store's get TTL.
func (s *Store) SignedGet(ctx context.Context, key string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(po *s3.PresignOptions) { po.Expires = s.getTTL })
	if err != nil {
		return "", fmt.Errorf("objectstore: presign get %q: %w", key, err)
	}
	return req.URL, nil
}

// Put uploads body directly under key, used to stage prepared audio ahead
// of a signed GET the diarization providers will fetch from.
func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if s.putter == nil {
		return fmt.Errorf("objectstore: put %q: no direct-upload client configured", key)
	}
	_, err := s.putter.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %q: %w", key, err)
	}
	return nil
}
