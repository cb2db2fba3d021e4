package s3

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Metrics observes the S3 requests issued by a provider.
//
// Operation names are the S3 API names ("GetObject", "PutObject", ...).
type Metrics interface {
	// ObserveOperation records one completed request.
	ObserveOperation(operation string, duration time.Duration, err error)

	// RecordBytes records payload bytes sent or announced by the server.
	RecordBytes(operation string, bytes int64)
}

// Instrument wraps api so every request is reported to m. A nil m returns
// api unchanged.
func Instrument(api API, m Metrics) API {
	if m == nil {
		return api
	}
	return &instrumentedAPI{api: api, m: m}
}

type instrumentedAPI struct {
	api API
	m   Metrics
}

func (i *instrumentedAPI) observe(op string, start time.Time, err error) {
	i.m.ObserveOperation(op, time.Since(start), err)
}

func (i *instrumentedAPI) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	start := time.Now()
	out, err := i.api.ListObjectsV2(ctx, in, optFns...)
	i.observe("ListObjectsV2", start, err)
	return out, err
}

func (i *instrumentedAPI) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	start := time.Now()
	out, err := i.api.HeadBucket(ctx, in, optFns...)
	i.observe("HeadBucket", start, err)
	return out, err
}

func (i *instrumentedAPI) HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	start := time.Now()
	out, err := i.api.HeadObject(ctx, in, optFns...)
	i.observe("HeadObject", start, err)
	return out, err
}

func (i *instrumentedAPI) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	start := time.Now()
	out, err := i.api.GetObject(ctx, in, optFns...)
	i.observe("GetObject", start, err)
	if err == nil {
		i.m.RecordBytes("GetObject", aws.ToInt64(out.ContentLength))
	}
	return out, err
}

func (i *instrumentedAPI) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	start := time.Now()
	out, err := i.api.PutObject(ctx, in, optFns...)
	i.observe("PutObject", start, err)
	if err == nil {
		i.m.RecordBytes("PutObject", aws.ToInt64(in.ContentLength))
	}
	return out, err
}

func (i *instrumentedAPI) CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	start := time.Now()
	out, err := i.api.CopyObject(ctx, in, optFns...)
	i.observe("CopyObject", start, err)
	return out, err
}

func (i *instrumentedAPI) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	start := time.Now()
	out, err := i.api.DeleteObject(ctx, in, optFns...)
	i.observe("DeleteObject", start, err)
	return out, err
}

func (i *instrumentedAPI) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	start := time.Now()
	out, err := i.api.DeleteObjects(ctx, in, optFns...)
	i.observe("DeleteObjects", start, err)
	return out, err
}
