// Package s3 provides a replica host backed by Amazon S3 or an
// S3-compatible object store.
//
// Object layout mirrors replica.BlockObjectKey and replica.ManifestObjectKey
// under an optional key prefix. Block objects are zstd-compressed;
// manifests are stored in their XDR wire form.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/zstd"

	"github.com/marmos91/wanfs/pkg/manifest"
	"github.com/marmos91/wanfs/pkg/metadata"
	"github.com/marmos91/wanfs/pkg/replica"
)

// Client is the subset of the S3 API the host uses. *s3.Client
// satisfies it.
type Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config configures an S3 replica host.
type Config struct {
	// Client is the configured S3 client
	Client Client

	// Bucket must already exist
	Bucket string

	// KeyPrefix is prepended to every object key
	KeyPrefix string
}

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("zstd encoder init: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("zstd decoder init: " + err.Error())
	}
}

// S3Host implements replica.Host over an S3 bucket.
//
// Thread Safety:
// Safe for concurrent use; all state lives in the bucket.
type S3Host struct {
	client    Client
	bucket    string
	keyPrefix string
}

// NewS3Host creates a host without contacting the bucket.
func NewS3Host(cfg Config) (*S3Host, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &S3Host{client: cfg.Client, bucket: cfg.Bucket, keyPrefix: cfg.KeyPrefix}, nil
}

func (h *S3Host) key(k string) string {
	return h.keyPrefix + k
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

func (h *S3Host) put(ctx context.Context, key string, data []byte) error {
	_, err := h.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(h.key(key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return metadata.Wrap(metadata.ErrRemoteUnavailable, err, "put object "+key)
	}
	return nil
}

func (h *S3Host) get(ctx context.Context, key string) ([]byte, error) {
	out, err := h.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(h.key(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, metadata.NewError(metadata.ErrNotFound, "object not found", key)
		}
		return nil, metadata.Wrap(metadata.ErrRemoteUnavailable, err, "get object "+key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, metadata.Wrap(metadata.ErrRemoteUnavailable, err, "read object "+key)
	}
	return data, nil
}

// delete removes an object. S3 does not report missing keys on delete.
func (h *S3Host) delete(ctx context.Context, key string) error {
	_, err := h.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(h.key(key)),
	})
	if err != nil && !isNotFound(err) {
		return metadata.Wrap(metadata.ErrRemoteUnavailable, err, "delete object "+key)
	}
	return nil
}

// newest returns the lexically greatest key under prefix.
func (h *S3Host) newest(ctx context.Context, prefix string) (string, error) {
	var last string
	paginator := s3.NewListObjectsV2Paginator(h.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(h.bucket),
		Prefix: aws.String(h.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", metadata.Wrap(metadata.ErrRemoteUnavailable, err, "list objects "+prefix)
		}
		for _, obj := range page.Contents {
			if k := aws.ToString(obj.Key); k > last {
				last = k
			}
		}
	}
	if last == "" {
		return "", metadata.NewError(metadata.ErrNotFound, "no manifest stored", prefix)
	}
	return strings.TrimPrefix(last, h.keyPrefix), nil
}

// ============================================================================
// replica.Host
// ============================================================================

// PutBlock implements replica.Host.
func (h *S3Host) PutBlock(ctx context.Context, ref replica.BlockRef, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.put(ctx, replica.BlockObjectKey(ref), encoder.EncodeAll(data, nil))
}

// GetBlock implements replica.Host.
func (h *S3Host) GetBlock(ctx context.Context, ref replica.BlockRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	compressed, err := h.get(ctx, replica.BlockObjectKey(ref))
	if err != nil {
		return nil, err
	}
	data, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, metadata.Wrap(metadata.ErrRemoteDataInvalid, err, "decompress block "+ref.String())
	}
	return data, nil
}

// DeleteBlock implements replica.Host.
func (h *S3Host) DeleteBlock(ctx context.Context, ref replica.BlockRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.delete(ctx, replica.BlockObjectKey(ref))
}

// PutManifest implements replica.Host.
func (h *S3Host) PutManifest(ctx context.Context, msg *manifest.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return metadata.Wrap(metadata.ErrInvalid, err, "encode manifest")
	}
	return h.put(ctx, replica.MessageObjectKey(msg), data)
}

// GetManifest implements replica.Host.
func (h *S3Host) GetManifest(ctx context.Context, ref replica.ManifestRef) (*manifest.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := h.manifestKey(ctx, ref)
	if err != nil {
		return nil, err
	}
	data, err := h.get(ctx, key)
	if err != nil {
		return nil, err
	}
	msg, err := manifest.DecodeMessage(data)
	if err != nil {
		return nil, metadata.Wrap(metadata.ErrRemoteDataInvalid, err, "stored manifest "+key)
	}
	return msg, nil
}

// DeleteManifest implements replica.Host.
func (h *S3Host) DeleteManifest(ctx context.Context, ref replica.ManifestRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := h.manifestKey(ctx, ref)
	if err != nil {
		return err
	}
	return h.delete(ctx, key)
}

func (h *S3Host) manifestKey(ctx context.Context, ref replica.ManifestRef) (string, error) {
	if !ref.ManifestMtime.IsZero() {
		return replica.ManifestObjectKey(ref.Volume, ref.FileID, ref.FileVersion, ref.ManifestMtime), nil
	}
	return h.newest(ctx, replica.ManifestPrefix(ref.Volume, ref.FileID, ref.FileVersion))
}

var _ replica.Host = (*S3Host)(nil)
