package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds the connection settings for an S3-compatible backend.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"-"`
	UseSSL          bool   `json:"use_ssl"`
	Timeout         time.Duration
}

// S3Store implements Store against an S3-compatible object store. It exists
// for installations that keep the salt/verifier record on shared storage so
// a reinstall on another machine can unlock the same data set. Object stores
// replace whole objects, so SaveCredentials is atomic by construction.
type S3Store struct {
	client  *minio.Client
	bucket  string
	prefix  string
	timeout time.Duration
}

// NewS3Store initializes an S3Store and verifies the bucket is reachable.
func NewS3Store(config S3Config) (*S3Store, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	s3s := &S3Store{
		client:  client,
		bucket:  config.Bucket,
		prefix:  config.Prefix,
		timeout: timeout,
	}

	if err = s3s.Ping(); err != nil {
		return nil, err
	}

	return s3s, nil
}

func (s3s *S3Store) objectName() string {
	return path.Join(s3s.prefix, credentialsFile)
}

func (s3s *S3Store) LoadCredentials() (*Credentials, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3s.timeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucket, s3s.objectName(), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials object: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read credentials object: %w", err)
	}

	var creds Credentials
	if err = json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}

	if err = creds.Validate(); err != nil {
		return nil, fmt.Errorf("corrupt credentials record: %w", err)
	}

	return &creds, nil
}

func (s3s *S3Store) SaveCredentials(creds *Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s3s.timeout)
	defer cancel()

	_, err = s3s.client.PutObject(ctx, s3s.bucket, s3s.objectName(),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to put credentials object: %w", err)
	}

	return nil
}

func (s3s *S3Store) CredentialsExist() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3s.timeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucket, s3s.objectName(), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat credentials object: %w", err)
	}
	return true, nil
}

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), s3s.timeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucket)
	if err != nil {
		return fmt.Errorf("failed to reach s3 backend: %w", err)
	}
	if !exists {
		return fmt.Errorf("s3 bucket %s does not exist", s3s.bucket)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	return nil
}
