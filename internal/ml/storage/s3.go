package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/prismpm/prism/internal/ml/mlerrors"
)

// s3API is the subset of the S3 client the gateway uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store implements ObjectStore on S3.
type S3Store struct {
	client     s3API
	bucket     string
	maxRetries int
	backoff    time.Duration
	logger     *zap.SugaredLogger
	now        func() time.Time
}

var _ ObjectStore = (*S3Store)(nil)

// NewS3Store creates the gateway. The bucket may be empty; operations then
// fail with a config StorageError rather than at construction time.
func NewS3Store(client *s3.Client, bucket string, logger *zap.Logger) *S3Store {
	return &S3Store{
		client:     client,
		bucket:     bucket,
		maxRetries: 3,
		backoff:    200 * time.Millisecond,
		logger:     logger.Sugar(),
		now:        time.Now,
	}
}

func (s *S3Store) checkBucket(op string) error {
	if s.bucket == "" {
		return mlerrors.NewStorageError(mlerrors.StorageConfig, op, "", errors.New("bucket not configured"))
	}
	return nil
}

// withRetry runs fn up to maxRetries times with linear backoff, stopping
// early on non-transient classifications.
func (s *S3Store) withRetry(ctx context.Context, op, key string, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if kind := classify(err); kind != mlerrors.StorageTransient {
			return mlerrors.NewStorageError(kind, op, key, err)
		}
		select {
		case <-time.After(s.backoff * time.Duration(attempt+1)):
		case <-ctx.Done():
			return mlerrors.NewStorageError(mlerrors.StorageTransient, op, key, ctx.Err())
		}
	}
	return mlerrors.NewStorageError(mlerrors.StorageTransient, op, key, err)
}

// classify maps an SDK error onto the storage error taxonomy.
func classify(err error) mlerrors.StorageKind {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return mlerrors.StorageNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return mlerrors.StorageNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return mlerrors.StoragePermission
		}
	}
	return mlerrors.StorageTransient
}

func (s *S3Store) Store(ctx context.Context, data []byte, modelType, version string, metadata map[string]string) (Object, error) {
	if err := s.checkBucket("store"); err != nil {
		return Object{}, err
	}

	now := s.now()
	key := ModelKey(modelType, version, now)
	sum := md5.Sum(data)
	checksum := hex.EncodeToString(sum[:])
	md := uploadMetadata(modelType, version, checksum, now, metadata)

	s.logger.Infow("uploading model artifact",
		"bucket", s.bucket, "key", key, "size", len(data))

	err := s.withRetry(ctx, "store", key, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			Metadata:    md,
			ContentType: aws.String("application/octet-stream"),
		})
		return err
	})
	if err != nil {
		return Object{}, err
	}
	return Object{Bucket: s.bucket, Key: key, Checksum: checksum}, nil
}

func (s *S3Store) Fetch(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkBucket("fetch"); err != nil {
		return nil, err
	}

	var data []byte
	err := s.withRetry(ctx, "fetch", key, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debugw("model artifact fetched", "key", key, "size", len(data))
	return data, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	if err != nil {
		if mlerrors.IsStorageKind(err, mlerrors.StorageNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := s.checkBucket("head"); err != nil {
		return nil, err
	}

	var info *ObjectInfo
	err := s.withRetry(ctx, "head", key, func() error {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		info = &ObjectInfo{
			Key:      key,
			Size:     aws.ToInt64(out.ContentLength),
			Metadata: out.Metadata,
		}
		if out.LastModified != nil {
			info.LastModified = *out.LastModified
		}
		if md := out.Metadata; md != nil {
			info.Checksum = md["md5_checksum"]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (s *S3Store) List(ctx context.Context, modelType, version string) ([]ObjectInfo, error) {
	if err := s.checkBucket("list"); err != nil {
		return nil, err
	}

	prefix := ListPrefix(modelType, version)
	var entries []ObjectInfo
	var token *string
	for {
		var out *s3.ListObjectsV2Output
		err := s.withRetry(ctx, "list", prefix, func() error {
			var err error
			out, err = s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.bucket),
				Prefix:            aws.String(prefix),
				ContinuationToken: token,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			info := ObjectInfo{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			entries = append(entries, info)
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return entries, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := s.checkBucket("delete"); err != nil {
		return err
	}
	return s.withRetry(ctx, "delete", key, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
}

func (s *S3Store) StoreDataset(ctx context.Context, data []byte, name string, projectID string) (string, error) {
	if err := s.checkBucket("store_dataset"); err != nil {
		return "", err
	}
	key := DatasetKey(name, projectID, s.now())
	err := s.withRetry(ctx, "store_dataset", key, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/octet-stream"),
			Metadata: map[string]string{
				"dataset_name": name,
				"uploaded_at":  s.now().UTC().Format(timestampLayout),
			},
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (s *S3Store) FetchDataset(ctx context.Context, key string) ([]byte, error) {
	return s.Fetch(ctx, key)
}
