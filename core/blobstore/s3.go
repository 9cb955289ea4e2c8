package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/relabs-tech/limen/core/fault"
	"github.com/relabs-tech/limen/core/logger"
	"github.com/relabs-tech/limen/core/pointers"
)

// S3Credentials carry static AWS credentials. They can be decoded from
// the environment; when AccessID is empty, the default AWS credential
// chain is used instead.
type S3Credentials struct {
	AccessID  string `env:"S3_ACCESS_ID,default="`
	AccessKey string `env:"S3_ACCESS_KEY,default="`
}

// S3Configuration configures the AWS S3 backend. KeyPrefix is put in
// front of every key verbatim, so it normally ends with a slash.
type S3Configuration struct {
	AccessID      string
	AccessKey     string
	AWSBucketName string
	AWSRegion     string
	KeyPrefix     string
}

// S3 is the blob storage driver for AWS S3.
type S3 struct {
	config      aws.Config
	bucket      string
	baseKeyName string
}

// NewS3 returns a new S3 driver.
func NewS3(s3Config S3Configuration) (*S3, error) {
	if s3Config.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	options := []func(*config.LoadOptions) error{
		config.WithRegion(s3Config.AWSRegion),
	}
	if s3Config.AccessID != "" {
		options = append(options,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(s3Config.AccessID, s3Config.AccessKey, "")))
	}
	awsConfig, err := config.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("blob storage S3 enabled for bucket", s3Config.AWSBucketName)
	s := S3{awsConfig, s3Config.AWSBucketName, s3Config.KeyPrefix}
	return &s, nil
}

// Put stores data under key.
func (s *S3) Put(ctx context.Context, key string, data []byte) error {
	uploader := manager.NewUploader(s3.NewFromConfig(s.config))
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    pointers.StringPtr(s.baseKeyName + key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object, %v", err)
	}
	return nil
}

// Get returns the object stored under key.
func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	buffer := manager.NewWriteAtBuffer([]byte{})
	downloader := manager.NewDownloader(s3.NewFromConfig(s.config))
	_, err := downloader.Download(ctx, buffer, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    pointers.StringPtr(s.baseKeyName + key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fault.NotFound.New("no object for key '%s'", key)
		}
		return nil, err
	}
	return buffer.Bytes(), nil
}

// Delete removes the object stored under key.
func (s *S3) Delete(ctx context.Context, key string) error {
	client := s3.NewFromConfig(s.config)

	input := &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    pointers.StringPtr(s.baseKeyName + key),
	}
	_, err := client.DeleteObject(ctx, input)
	if err != nil {
		logger.FromContext(ctx).Error("could not delete ", s.baseKeyName+key)
		return err
	}
	return nil
}

// DeleteAllWithPrefix removes every object whose key starts with prefix.
func (s *S3) DeleteAllWithPrefix(ctx context.Context, prefix string) error {
	client := s3.NewFromConfig(s.config)

	keys, err := s.ListAllWithPrefix(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		input := &s3.DeleteObjectInput{
			Bucket: &s.bucket,
			Key:    pointers.StringPtr(s.baseKeyName + key),
		}
		if _, err := client.DeleteObject(ctx, input); err != nil {
			logger.FromContext(ctx).Error("could not delete ", s.baseKeyName+key)
			return err
		}
	}
	return nil
}

// ListAllWithPrefix returns the keys of all objects starting with
// prefix, in lexical order.
func (s *S3) ListAllWithPrefix(ctx context.Context, prefix string) (keys []string, err error) {
	client := s3.NewFromConfig(s.config)

	var continuationToken *string
	for {
		input := &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            pointers.StringPtr(s.baseKeyName + prefix),
			ContinuationToken: continuationToken,
		}
		var resp *s3.ListObjectsV2Output
		resp, err = client.ListObjectsV2(ctx, input)
		if err != nil {
			logger.FromContext(ctx).Error("could not list objects in ", s.bucket)
			return nil, err
		}
		for _, item := range resp.Contents {
			keys = append(keys, strings.TrimPrefix(*item.Key, s.baseKeyName))
		}
		continuationToken = resp.NextContinuationToken
		if resp.NextContinuationToken == nil {
			break
		}
	}
	return keys, nil
}

// GetPreSignedURL returns a URL that can be used with the given method
// on key until expireIn has passed.
func (s *S3) GetPreSignedURL(ctx context.Context, method Method, key string, expireIn time.Duration) (string, error) {
	client := s3.NewPresignClient(s3.NewFromConfig(s.config))

	var resp *v4.PresignedHTTPRequest
	var err error
	switch method {
	case Get:
		resp, err = client.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.baseKeyName + key),
		}, s3.WithPresignExpires(expireIn))
	case Put:
		resp, err = client.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.baseKeyName + key),
		}, s3.WithPresignExpires(expireIn))
	default:
		err = fault.Validation.New("unsupported method to presign '%s'", method)
	}
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}
