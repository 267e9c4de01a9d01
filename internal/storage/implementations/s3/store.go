package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fldp/internal/utils/encoding"
	"github.com/inferloop/fldp/pkg/errors"
	"github.com/inferloop/fldp/pkg/models"
)

// Folder names under the prefix.
const (
	FolderIncoming  = "incoming"
	FolderOutgoing  = "outgoing"
	FolderProcessed = "processed"
	FolderFailed    = "failed"
)

// Config configures an S3-backed update store.
type Config struct {
	Region          string `json:"region" mapstructure:"region"`
	Bucket          string `json:"bucket" mapstructure:"bucket"`
	Prefix          string `json:"prefix" mapstructure:"prefix"`
	AccessKeyID     string `json:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" mapstructure:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty" mapstructure:"session_token"`
	Endpoint        string `json:"endpoint,omitempty" mapstructure:"endpoint"`
	ForcePathStyle  bool   `json:"force_path_style" mapstructure:"force_path_style"`
	DisableSSL      bool   `json:"disable_ssl" mapstructure:"disable_ssl"`
	MaxRetries      int    `json:"max_retries" mapstructure:"max_retries"`
	Compression     bool   `json:"compression" mapstructure:"compression"`
}

// Store keeps envelopes as objects under <prefix>/incoming, outgoing,
// processed and failed.
type Store struct {
	config *Config
	client s3iface.S3API
	logger *logrus.Logger
	mu     sync.RWMutex
	closed bool
}

// NewStore creates an S3 store. Call Connect before use.
func NewStore(config *Config, logger *logrus.Logger) (*Store, error) {
	if config == nil {
		return nil, errors.NewStorageError("INVALID_CONFIG", "S3 config cannot be nil")
	}
	if config.Bucket == "" {
		return nil, errors.NewStorageError("INVALID_CONFIG", "S3 bucket is required")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Store{config: config, logger: logger}, nil
}

// NewStoreWithClient creates a store over an existing client.
func NewStoreWithClient(config *Config, client s3iface.S3API, logger *logrus.Logger) (*Store, error) {
	store, err := NewStore(config, logger)
	if err != nil {
		return nil, err
	}
	store.client = client
	return store, nil
}

// Connect creates the session and checks that the bucket is reachable.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		awsConfig := &aws.Config{
			Region:     aws.String(s.config.Region),
			MaxRetries: aws.Int(s.config.MaxRetries),
		}
		if s.config.AccessKeyID != "" && s.config.SecretAccessKey != "" {
			awsConfig.Credentials = credentials.NewStaticCredentials(
				s.config.AccessKeyID,
				s.config.SecretAccessKey,
				s.config.SessionToken,
			)
		}
		if s.config.Endpoint != "" {
			awsConfig.Endpoint = aws.String(s.config.Endpoint)
			awsConfig.S3ForcePathStyle = aws.Bool(s.config.ForcePathStyle)
		}
		if s.config.DisableSSL {
			awsConfig.DisableSSL = aws.Bool(true)
		}

		sess, err := session.NewSession(awsConfig)
		if err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, "SESSION_FAILED", "Failed to create AWS session")
		}
		s.client = s3.New(sess)
	}

	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	})
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "BUCKET_ACCESS_FAILED",
			fmt.Sprintf("Failed to access bucket '%s'", s.config.Bucket))
	}

	s.closed = false
	s.logger.WithFields(logrus.Fields{
		"region": s.config.Region,
		"bucket": s.config.Bucket,
		"prefix": s.config.Prefix,
	}).Info("Connected to S3 update store")

	return nil
}

func (s *Store) ready() (s3iface.S3API, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.client == nil {
		return nil, errors.NewStorageError("NOT_CONNECTED", "S3 not connected")
	}
	return s.client, nil
}

// List returns the names of pending envelopes in ascending order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	client, err := s.ready()
	if err != nil {
		return nil, err
	}

	prefix := s.generateKey(FolderIncoming, "") + "/"
	var keys []string
	err = client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.StringValue(obj.Key), prefix)
			if name == "" || strings.Contains(name, "/") || !encoding.IsEnvelopeName(name) {
				continue
			}
			keys = append(keys, name)
		}
		return true
	})
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to list incoming updates")
	}

	sort.Strings(keys)
	return keys, nil
}

// Load downloads and decodes a pending envelope.
func (s *Store) Load(ctx context.Context, key string) (*models.UpdateEnvelope, error) {
	client, err := s.ready()
	if err != nil {
		return nil, err
	}

	out, err := client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.generateKey(FolderIncoming, key)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeDataNotFound, fmt.Sprintf("Update %s not found", key))
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, fmt.Sprintf("Failed to download update %s", key))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, fmt.Sprintf("Failed to read update %s", key))
	}

	env, err := encoding.DecodeEnvelope(data)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidInput, fmt.Sprintf("Malformed update %s", key))
	}
	if env.ID == "" {
		env.ID = encoding.TrimExtension(key)
	}
	return env, nil
}

// Save uploads a privatized envelope to outgoing/ and returns its name.
func (s *Store) Save(ctx context.Context, env *models.UpdateEnvelope) (string, error) {
	client, err := s.ready()
	if err != nil {
		return "", err
	}
	if env == nil || env.ID == "" {
		return "", errors.NewValidationError(errors.CodeMissingField, "envelope id is required")
	}

	data, err := encoding.EncodeEnvelope(env, s.config.Compression)
	if err != nil {
		return "", errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to encode update")
	}

	name := env.ID + encoding.Extension(s.config.Compression)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(s.generateKey(FolderOutgoing, name)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]*string{
			"update-id": aws.String(env.ID),
			"round":     aws.String(fmt.Sprintf("%d", env.Round)),
		},
	}
	if s.config.Compression {
		input.ContentEncoding = aws.String("gzip")
	}

	if _, err := client.PutObjectWithContext(ctx, input); err != nil {
		return "", errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, fmt.Sprintf("Failed to upload update %s", name))
	}

	s.logger.WithFields(logrus.Fields{
		"update_id": env.ID,
		"key":       aws.StringValue(input.Key),
		"bytes":     len(data),
	}).Debug("Uploaded privatized update")

	return name, nil
}

// Complete moves a consumed envelope to processed/.
func (s *Store) Complete(ctx context.Context, key string) error {
	return s.move(ctx, key, FolderProcessed)
}

// Fail moves an envelope that could not be privatized to failed/.
func (s *Store) Fail(ctx context.Context, key string) error {
	return s.move(ctx, key, FolderFailed)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = nil
	s.closed = true
	return nil
}

func (s *Store) move(ctx context.Context, key, folder string) error {
	client, err := s.ready()
	if err != nil {
		return err
	}

	source := s.generateKey(FolderIncoming, key)
	_, err = client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.config.Bucket),
		CopySource: aws.String(path.Join(s.config.Bucket, source)),
		Key:        aws.String(s.generateKey(folder, key)),
	})
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, fmt.Sprintf("Failed to copy update %s to %s", key, folder))
	}

	_, err = client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(source),
	})
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, fmt.Sprintf("Failed to delete update %s", key))
	}
	return nil
}

func (s *Store) generateKey(folder, name string) string {
	parts := make([]string, 0, 3)
	if s.config.Prefix != "" {
		parts = append(parts, strings.Trim(s.config.Prefix, "/"))
	}
	parts = append(parts, folder)
	if name != "" {
		parts = append(parts, name)
	}
	return strings.Join(parts, "/")
}
