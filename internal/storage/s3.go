package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/hotdata-dev/rivetdb"
	"github.com/hotdata-dev/rivetdb/internal/token"
)

// S3Options configures access to an S3-compatible endpoint (MinIO included).
type S3Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	AllowHTTP bool
}

// S3Storage keeps cache artifacts in an S3-compatible bucket. Versioned
// writes are staged on the local filesystem and uploaded on finalize.
type S3Storage struct {
	bucket      string
	client      *s3.Client
	uploader    *manager.Uploader
	opts        S3Options
	stagingRoot string
}

var _ rivetdb.StorageManager = (*S3Storage)(nil)

// NewS3Storage builds a client for bucket using the given options. An empty
// endpoint uses the default AWS resolution chain.
func NewS3Storage(ctx context.Context, bucket string, opts S3Options) (*S3Storage, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts,
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	if opts.Endpoint != "" {
		loadOpts = append(loadOpts, awsconfig.WithBaseEndpoint(opts.Endpoint))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		// MinIO and friends need path-style URLs.
		o.UsePathStyle = true
	})

	return &S3Storage{
		bucket:      bucket,
		client:      client,
		uploader:    manager.NewUploader(client),
		opts:        opts,
		stagingRoot: filepath.Join(os.TempDir(), "rivetdb-staging"),
	}, nil
}

func (s *S3Storage) CacheURL(connectionID int64, schema, table string) string {
	return fmt.Sprintf("s3://%s/cache/%d/%s/%s", s.bucket, connectionID, schema, table)
}

func (s *S3Storage) PrepareVersionedCacheWrite(connectionID int64, schema, table string) string {
	// Staging mirrors the remote layout so finalize can recover the version
	// token from the path.
	return filepath.Join(s.stagingRoot,
		fmt.Sprintf("%d", connectionID), schema, table, token.Version(), snapshotFileName)
}

// versionOf extracts the version component (the parent directory name) from
// a staged snapshot path.
func versionOf(localPath string) (string, error) {
	version := filepath.Base(filepath.Dir(localPath))
	if version == "." || version == string(filepath.Separator) {
		return "", fmt.Errorf("could not extract version from path %q", localPath)
	}
	return version, nil
}

func (s *S3Storage) FinalizeCacheWrite(ctx context.Context, localPath string, connectionID int64, schema, table string) (string, error) {
	version, err := versionOf(localPath)
	if err != nil {
		return "", err
	}
	dirURL := fmt.Sprintf("%s/%s", s.CacheURL(connectionID, schema, table), version)
	if err := s.uploadAndRemove(ctx, localPath, dirURL+"/"+snapshotFileName); err != nil {
		return "", err
	}
	return dirURL, nil
}

func (s *S3Storage) ResultURL(resultID string) string {
	return fmt.Sprintf("s3://%s/results/%s", s.bucket, resultID)
}

func (s *S3Storage) PrepareResultWrite(resultID string) string {
	return filepath.Join(s.stagingRoot, "results", resultID, snapshotFileName)
}

func (s *S3Storage) FinalizeResultWrite(ctx context.Context, localPath, resultID string) (string, error) {
	dirURL := s.ResultURL(resultID)
	if err := s.uploadAndRemove(ctx, localPath, dirURL+"/"+snapshotFileName); err != nil {
		return "", err
	}
	return dirURL, nil
}

func (s *S3Storage) uploadAndRemove(ctx context.Context, localPath, fileURL string) error {
	key, err := s.keyOf(fileURL)
	if err != nil {
		return err
	}
	in, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open staged file: %w", err)
	}
	defer in.Close()

	err = retry.Do(func() error {
		if _, err := in.Seek(0, io.SeekStart); err != nil {
			return retry.Unrecoverable(err)
		}
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   in,
		})
		return err
	}, retry.Attempts(3), retry.Context(ctx))
	if err != nil {
		return fmt.Errorf("s3 upload %s: %w", key, err)
	}

	if err := os.Remove(localPath); err != nil {
		return fmt.Errorf("remove staged file: %w", err)
	}
	return nil
}

// keyOf converts s3://bucket/key URLs to object keys, verifying the bucket.
func (s *S3Storage) keyOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid s3 URL %q: %w", rawURL, err)
	}
	if u.Scheme != "s3" {
		return "", fmt.Errorf("invalid s3 URL %q: scheme must be s3", rawURL)
	}
	if u.Host != s.bucket {
		return "", fmt.Errorf("s3 URL %q does not match bucket %q", rawURL, s.bucket)
	}
	return strings.TrimPrefix(u.Path, "/"), nil
}

func (s *S3Storage) Read(ctx context.Context, rawURL string) ([]byte, error) {
	key, err := s.keyOf(rawURL)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Storage) Write(ctx context.Context, rawURL string, data []byte) error {
	key, err := s.keyOf(rawURL)
	if err != nil {
		return err
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

func (s *S3Storage) Delete(ctx context.Context, rawURL string) error {
	key, err := s.keyOf(rawURL)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Storage) DeletePrefix(ctx context.Context, rawURL string) error {
	prefix, err := s.keyOf(rawURL)
	if err != nil {
		return err
	}
	prefix = strings.TrimSuffix(prefix, "/") + "/"

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3 list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err != nil {
				return fmt.Errorf("s3 delete %s: %w", aws.ToString(obj.Key), err)
			}
		}
	}
	return nil
}

func (s *S3Storage) Exists(ctx context.Context, rawURL string) (bool, error) {
	key, err := s.keyOf(rawURL)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			code := apiErr.ErrorCode()
			if code == "NotFound" || code == "NoSuchKey" {
				return false, nil
			}
		}
		return false, fmt.Errorf("s3 head %s: %w", key, err)
	}
	return true, nil
}

// RegisterWithEngine loads httpfs/parquet and points the DuckDB session at
// this backend's endpoint and credentials so s3:// scans resolve.
func (s *S3Storage) RegisterWithEngine(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		"INSTALL parquet;", "LOAD parquet;",
		"INSTALL httpfs;", "LOAD httpfs;",
	}
	if s.opts.AccessKey != "" {
		stmts = append(stmts,
			fmt.Sprintf("SET s3_access_key_id='%s';", escapeSQLString(s.opts.AccessKey)),
			fmt.Sprintf("SET s3_secret_access_key='%s';", escapeSQLString(s.opts.SecretKey)))
	}
	if s.opts.Region != "" {
		stmts = append(stmts, fmt.Sprintf("SET s3_region='%s';", escapeSQLString(s.opts.Region)))
	}
	if s.opts.Endpoint != "" {
		endpoint := strings.TrimPrefix(strings.TrimPrefix(s.opts.Endpoint, "https://"), "http://")
		stmts = append(stmts,
			fmt.Sprintf("SET s3_endpoint='%s';", escapeSQLString(endpoint)),
			"SET s3_url_style='path';")
		if s.opts.AllowHTTP {
			stmts = append(stmts, "SET s3_use_ssl=false;")
		}
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("configure engine for s3 storage: %w", err)
		}
	}
	return nil
}

func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
