package vfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config configures an S3-compatible object store backend.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// S3Store serves namespaces from key prefixes in an S3-compatible bucket.
// Directories are represented by zero-byte marker objects with a trailing
// slash, following the usual S3 convention.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store creates an S3-backed store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *S3Store) objectKey(namespace, p string) (string, error) {
	if strings.TrimSpace(namespace) == "" {
		return "", ErrPermissionDenied
	}
	clean, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	return path.Join(s.prefix, namespace, clean), nil
}

func (s *S3Store) List(ctx context.Context, namespace, p string) ([]Entry, error) {
	key, err := s.objectKey(namespace, p)
	if err != nil {
		return nil, err
	}
	prefix := key + "/"

	var entries []Entry
	var token *string
	base := path.Join(s.prefix, namespace) + "/"
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &prefix,
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, mapS3Error(err)
		}
		for _, cp := range out.CommonPrefixes {
			dir := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), base), "/")
			entries = append(entries, Entry{Path: dir, Dir: true})
		}
		for _, obj := range out.Contents {
			k := aws.ToString(obj.Key)
			if strings.HasSuffix(k, "/") {
				continue // directory marker
			}
			e := Entry{Path: strings.TrimPrefix(k, base), Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				e.ModTime = *obj.LastModified
			}
			entries = append(entries, e)
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return entries, nil
}

func (s *S3Store) Read(ctx context.Context, namespace, p string) ([]byte, error) {
	key, err := s.objectKey(namespace, p)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, mapS3Error(err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, ErrIO
	}
	return data, nil
}

func (s *S3Store) Write(ctx context.Context, namespace, p string, data []byte) error {
	key, err := s.objectKey(namespace, p)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	return mapS3Error(err)
}

func (s *S3Store) Mkdir(ctx context.Context, namespace, p string) error {
	key, err := s.objectKey(namespace, p)
	if err != nil {
		return err
	}
	marker := key + "/"
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &marker,
		Body:   bytes.NewReader(nil),
	})
	return mapS3Error(err)
}

func (s *S3Store) Remove(ctx context.Context, namespace, p string) error {
	key, err := s.objectKey(namespace, p)
	if err != nil {
		return err
	}
	if _, statErr := s.Stat(ctx, namespace, p); statErr != nil {
		return statErr
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	return mapS3Error(err)
}

// Rename copies then deletes; S3 has no native move.
func (s *S3Store) Rename(ctx context.Context, namespace, src, dst string) error {
	srcKey, err := s.objectKey(namespace, src)
	if err != nil {
		return err
	}
	dstKey, err := s.objectKey(namespace, dst)
	if err != nil {
		return err
	}
	if _, err := s.Stat(ctx, namespace, dst); err == nil {
		return ErrConflict
	}
	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     &s.bucket,
		Key:        &dstKey,
		CopySource: aws.String(s.bucket + "/" + srcKey),
	})
	if err != nil {
		return mapS3Error(err)
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &srcKey,
	})
	return mapS3Error(err)
}

func (s *S3Store) Stat(ctx context.Context, namespace, p string) (Entry, error) {
	key, err := s.objectKey(namespace, p)
	if err != nil {
		return Entry{}, err
	}
	clean, _ := CleanPath(p)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err == nil {
		e := Entry{Path: clean, Size: aws.ToInt64(out.ContentLength)}
		if out.LastModified != nil {
			e.ModTime = *out.LastModified
		}
		return e, nil
	}
	if !errors.Is(mapS3Error(err), ErrNotFound) {
		return Entry{}, mapS3Error(err)
	}
	// Fall back to the directory marker.
	marker := key + "/"
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &marker,
	}); err != nil {
		return Entry{}, mapS3Error(err)
	}
	return Entry{Path: clean, Dir: true}, nil
}

func mapS3Error(err error) error {
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch {
		case strings.EqualFold(apiErr.ErrorCode(), "NotFound"), strings.EqualFold(apiErr.ErrorCode(), "NoSuchKey"):
			return ErrNotFound
		case strings.EqualFold(apiErr.ErrorCode(), "AccessDenied"):
			return ErrPermissionDenied
		case strings.EqualFold(apiErr.ErrorCode(), "QuotaExceeded"):
			return ErrQuotaExceeded
		}
	}
	return ErrIO
}
