package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const versionMetadataKey = "photobak-version"

// quotaErrorCodes are API error codes S3 and S3-compatible stores return
// when they cannot accept more data.
var quotaErrorCodes = map[string]bool{
	"QuotaExceeded":        true,
	"ServiceQuotaExceeded": true,
	"InsufficientStorage":  true,
	"XMinioStorageFull":    true,
}

// S3API is the subset of the S3 client the vault uses.
type S3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Uploader streams objects to S3, splitting large bodies into parts.
type Uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Config holds the connection settings for an S3 vault.
type S3Config struct {
	Name            string
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // S3-compatible services such as MinIO
	AccessKeyID     string
	SecretAccessKey string
}

// S3Vault stores content as objects under <prefix>/content/<key> and
// snapshots under <prefix>/metadata/<id>.db.
type S3Vault struct {
	name     string
	bucket   string
	prefix   string
	client   S3API
	uploader Uploader
}

// NewS3Vault creates a vault backed by an S3 bucket.
func NewS3Vault(ctx context.Context, cfg S3Config) (*S3Vault, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 vault requires s3_bucket to be set")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3VaultWithClient(cfg, client, manager.NewUploader(client)), nil
}

// NewS3VaultWithClient creates a vault over an existing client.
func NewS3VaultWithClient(cfg S3Config, client S3API, uploader Uploader) *S3Vault {
	return &S3Vault{
		name:     cfg.Name,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		client:   client,
		uploader: uploader,
	}
}

func (v *S3Vault) Name() string { return v.name }

func (v *S3Vault) contentKey(key string) string {
	return path.Join(v.prefix, "content", key)
}

func (v *S3Vault) metadataKey(id string) string {
	return path.Join(v.prefix, "metadata", id+".db")
}

// PutContent uploads content under key unless it already exists.
func (v *S3Vault) PutContent(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := validateKey(key); err != nil {
		return err
	}
	exists, err := v.HasContent(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(v.bucket),
		Key:           aws.String(v.contentKey(key)),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return v.wrapErr("uploading content", err)
	}
	return nil
}

func (v *S3Vault) HasContent(ctx context.Context, key string) (bool, error) {
	_, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.contentKey(key)),
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, v.wrapErr("checking content", err)
	}
	return true, nil
}

// GetContent downloads the object stored under key into w.
func (v *S3Vault) GetContent(ctx context.Context, key string, w io.Writer) error {
	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.contentKey(key)),
	})
	if isNotFound(err) {
		return fmt.Errorf("content not found: %s", key)
	}
	if err != nil {
		return v.wrapErr("downloading content", err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	return nil
}

// PutMetadata uploads a snapshot with its version as object metadata.
func (v *S3Vault) PutMetadata(ctx context.Context, id string, r io.Reader, size int64, version int64) error {
	if err := validateKey(id); err != nil {
		return err
	}
	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(v.bucket),
		Key:           aws.String(v.metadataKey(id)),
		Body:          r,
		ContentLength: aws.Int64(size),
		Metadata:      map[string]string{versionMetadataKey: strconv.FormatInt(version, 10)},
	})
	if err != nil {
		return v.wrapErr("uploading metadata", err)
	}
	return nil
}

// GetMetadataVersion returns 0 if no snapshot exists for id.
func (v *S3Vault) GetMetadataVersion(ctx context.Context, id string) (int64, error) {
	out, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.metadataKey(id)),
	})
	if isNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, v.wrapErr("reading metadata version", err)
	}

	raw, ok := out.Metadata[versionMetadataKey]
	if !ok {
		return 0, nil
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// ValidateSetup checks that the bucket exists and is reachable.
func (v *S3Vault) ValidateSetup(ctx context.Context) error {
	if _, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(v.bucket)}); err != nil {
		return v.wrapErr(fmt.Sprintf("bucket %q not accessible", v.bucket), err)
	}
	return nil
}

func (v *S3Vault) wrapErr(msg string, err error) error {
	if isQuota(err) {
		return fmt.Errorf("%s: %w", msg, errors.Join(quotaError("vault %s is full", v.name), err))
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound"
}

func isQuota(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && quotaErrorCodes[apiErr.ErrorCode()] {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == 507
}

var _ Vault = (*S3Vault)(nil)
