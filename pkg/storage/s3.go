package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"
)

const visibilityMetaKey = "visibility"

// S3Disk implements Disk on top of an S3-compatible object store.
type S3Disk struct {
	name   string
	client S3API
	bucket string
	prefix string
}

// S3API is the subset of the S3 client the disk depends on.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3DiskConfig holds configuration for S3Disk.
type S3DiskConfig struct {
	Name     string
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack).
	Prefix   string
}

// NewS3Disk creates an S3-backed disk.
func NewS3Disk(ctx context.Context, cfg S3DiskConfig) (*S3Disk, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack.
		}
	}

	return NewS3DiskWithClient(cfg, s3.NewFromConfig(awsCfg, clientOpts)), nil
}

// NewS3DiskWithClient wires an existing client, used by tests.
func NewS3DiskWithClient(cfg S3DiskConfig, client S3API) *S3Disk {
	return &S3Disk{
		name:   cfg.Name,
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.TrimPrefix(cfg.Prefix, "/"),
	}
}

// Name returns the configured disk name.
func (d *S3Disk) Name() string { return d.name }

func (d *S3Disk) key(rel string) string {
	cleaned := strings.TrimPrefix(path.Clean("/"+rel), "/")
	if d.prefix == "" {
		return cleaned
	}
	return path.Join(d.prefix, cleaned)
}

// Exists reports whether the object is present.
func (d *S3Disk) Exists(ctx context.Context, rel string) (bool, error) {
	_, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(rel)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head %s: %w", rel, err)
	}
	return true, nil
}

// Get downloads the object as a stream.
func (d *S3Disk) Get(ctx context.Context, rel string) (io.ReadCloser, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(rel)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", rel, err)
	}
	return out.Body, nil
}

// Put uploads the object, recording content type and visibility as metadata.
func (d *S3Disk) Put(ctx context.Context, rel string, r io.Reader, opts PutOptions) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(rel)),
		Body:   r,
	}
	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}
	if opts.Visibility != "" {
		in.Metadata = map[string]string{visibilityMetaKey: string(opts.Visibility)}
	}
	if _, err := d.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("s3 put %s: %w", rel, err)
	}
	return nil
}

// Delete removes the object. Missing objects are a no-op per S3 semantics.
func (d *S3Disk) Delete(ctx context.Context, rel string) error {
	if _, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(rel)),
	}); err != nil {
		return fmt.Errorf("s3 delete %s: %w", rel, err)
	}
	return nil
}

// DeleteDir removes every object below the prefix in batches.
func (d *S3Disk) DeleteDir(ctx context.Context, rel string) error {
	prefix := d.key(rel)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var continuation *string
	for {
		list, err := d.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(d.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return fmt.Errorf("s3 list %s: %w", rel, err)
		}
		if len(list.Contents) > 0 {
			objects := make([]types.ObjectIdentifier, 0, len(list.Contents))
			for _, obj := range list.Contents {
				objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
			}
			if _, err := d.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(d.bucket),
				Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
			}); err != nil {
				return fmt.Errorf("s3 delete batch under %s: %w", rel, err)
			}
		}
		if list.IsTruncated == nil || !*list.IsTruncated {
			return nil
		}
		continuation = list.NextContinuationToken
	}
}

// Directories lists the immediate "subdirectories" (common prefixes) below
// the given path.
func (d *S3Disk) Directories(ctx context.Context, rel string) ([]string, error) {
	prefix := d.key(rel)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	out, err := d.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 list %s: %w", rel, err)
	}
	dirs := make([]string, 0, len(out.CommonPrefixes))
	for _, cp := range out.CommonPrefixes {
		if cp.Prefix == nil {
			continue
		}
		trimmed := strings.TrimSuffix(strings.TrimPrefix(*cp.Prefix, d.prefix), "/")
		dirs = append(dirs, strings.TrimPrefix(trimmed, "/"))
	}
	return dirs, nil
}

// Size returns the object size from a head request.
func (d *S3Disk) Size(ctx context.Context, rel string) (int64, error) {
	out, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(rel)),
	})
	if err != nil {
		return 0, fmt.Errorf("s3 head %s: %w", rel, err)
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

// MimeType returns the stored content type, falling back to sniffing.
func (d *S3Disk) MimeType(ctx context.Context, rel string) (string, error) {
	out, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(rel)),
	})
	if err != nil {
		return "", fmt.Errorf("s3 head %s: %w", rel, err)
	}
	if out.ContentType != nil && *out.ContentType != "" {
		return *out.ContentType, nil
	}
	body, err := d.Get(ctx, rel)
	if err != nil {
		return "", err
	}
	defer body.Close() //nolint:errcheck
	mt, err := mimetype.DetectReader(body)
	if err != nil {
		return "", fmt.Errorf("detect mime of %s: %w", rel, err)
	}
	return mt.String(), nil
}

// Visibility reads the visibility recorded at upload time.
func (d *S3Disk) Visibility(ctx context.Context, rel string) (Visibility, error) {
	out, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(rel)),
	})
	if err != nil {
		return "", fmt.Errorf("s3 head %s: %w", rel, err)
	}
	if v, ok := out.Metadata[visibilityMetaKey]; ok && v != "" {
		return Visibility(v), nil
	}
	return VisibilityPrivate, nil
}
