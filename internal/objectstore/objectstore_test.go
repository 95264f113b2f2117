package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePresigner struct {
	putURL, getURL string
	putErr, getErr error
	lastPutExpiry  time.Duration
	lastGetExpiry  time.Duration
}

func (f *fakePresigner) PresignPutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedHTTPRequest, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	var po s3.PresignOptions
	for _, fn := range optFns {
		fn(&po)
	}
	f.lastPutExpiry = po.Expires
	return &v4PresignedHTTPRequest{URL: f.putURL}, nil
}

func (f *fakePresigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedHTTPRequest, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	var po s3.PresignOptions
	for _, fn := range optFns {
		fn(&po)
	}
	f.lastGetExpiry = po.Expires
	return &v4PresignedHTTPRequest{URL: f.getURL}, nil
}

type fakePutter struct {
	calledKey string
	calledCT  string
	err       error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calledKey = *in.Key
	f.calledCT = *in.ContentType
	return &s3.PutObjectOutput{}, nil
}

func TestSignedPut_ReturnsURLAndUsesPutTTL(t *testing.T) {
	fp := &fakePresigner{putURL: "https://example.com/put"}
	s := New(fp, "my-bucket", WithPutExpiry(5*time.Minute))

	url, err := s.SignedPut(context.Background(), "uploads/u1/abc.mp3", "audio/mpeg")
	if err != nil {
		t.Fatalf("SignedPut() error = %v", err)
	}
	if url != "https://example.com/put" {
		t.Errorf("url = %q, want the presigner's URL", url)
	}
	if fp.lastPutExpiry != 5*time.Minute {
		t.Errorf("put expiry = %v, want 5m", fp.lastPutExpiry)
	}
}

func TestSignedGet_ReturnsURLAndUsesGetTTL(t *testing.T) {
	fp := &fakePresigner{getURL: "https://example.com/get"}
	s := New(fp, "my-bucket", WithGetExpiry(10*time.Minute))

	url, err := s.SignedGet(context.Background(), "uploads/u1/abc.mp3")
	if err != nil {
		t.Fatalf("SignedGet() error = %v", err)
	}
	if url != "https://example.com/get" {
		t.Errorf("url = %q, want the presigner's URL", url)
	}
	if fp.lastGetExpiry != 10*time.Minute {
		t.Errorf("get expiry = %v, want 10m", fp.lastGetExpiry)
	}
}

func TestSignedPut_PropagatesPresignerError(t *testing.T) {
	fp := &fakePresigner{putErr: errBoom}
	s := New(fp, "my-bucket")

	if _, err := s.SignedPut(context.Background(), "k", "audio/mpeg"); err == nil {
		t.Fatal("expected an error from a failing presigner")
	}
}

func TestPut_WithoutPutterReturnsError(t *testing.T) {
	s := New(&fakePresigner{}, "my-bucket")
	if err := s.Put(context.Background(), "k", []byte("data"), "audio/mpeg"); err == nil {
		t.Fatal("expected an error when no putter is configured")
	}
}

func TestPut_WritesThroughPutter(t *testing.T) {
	fpt := &fakePutter{}
	s := New(&fakePresigner{}, "my-bucket", WithPutter(fpt))

	if err := s.Put(context.Background(), "uploads/u1/abc.mp3", []byte("data"), "audio/mpeg"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if fpt.calledKey != "uploads/u1/abc.mp3" {
		t.Errorf("key = %q, want uploads/u1/abc.mp3", fpt.calledKey)
	}
	if fpt.calledCT != "audio/mpeg" {
		t.Errorf("content type = %q, want audio/mpeg", fpt.calledCT)
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }
