// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package persistence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/relabs-tech/livestore/core/logger"
)

// S3Configuration contains the configuration for the AWS S3 driver
type S3Configuration struct {
	AWSBucketName string
	AWSRegion     string
	AccessID      string
	AccessKey     string
	// KeyPrefix is prepended to every object key. It lets several stores share a bucket.
	KeyPrefix string
}

// S3 is the implementation of the Driver for AWS S3. Every document is stored
// as one object named <prefix><collection>/<document>.json
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3 returns a new S3 driver
func NewS3(ctx context.Context, s3Config S3Configuration) (*S3, error) {
	if s3Config.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(s3Config.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(s3Config.AccessID, s3Config.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg)
	logger.Default().Debugln("persistence S3 enabled, bucket:", s3Config.AWSBucketName)
	return &S3{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   s3Config.AWSBucketName,
		prefix:   s3Config.KeyPrefix,
	}, nil
}

func (s *S3) collectionPrefix(collectionID string) string {
	return s.prefix + collectionID + "/"
}

func (s *S3) key(collectionID, documentID string) string {
	return s.collectionPrefix(collectionID) + documentID + ".json"
}

// Get downloads the object of the document
func (s *S3) Get(ctx context.Context, collectionID, documentID string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(collectionID, documentID)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Put uploads data as the object of the document
func (s *S3) Put(ctx context.Context, collectionID, documentID string, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(collectionID, documentID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", s.key(collectionID, documentID), err)
	}
	return nil
}

// Delete deletes the object of the document
func (s *S3) Delete(ctx context.Context, collectionID, documentID string) error {
	key := s.key(collectionID, documentID)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Could not delete", key)
		return err
	}
	return nil
}

// Scan downloads every object of the collection and passes it to fn
func (s *S3) Scan(ctx context.Context, collectionID string, fn func(documentID string, data []byte) error) error {
	prefix := s.collectionPrefix(collectionID)
	return s.list(ctx, prefix, func(key string) error {
		documentID := strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".json")
		data, err := s.Get(ctx, collectionID, documentID)
		if errors.Is(err, ErrNotFound) {
			// deleted while we were listing
			return nil
		}
		if err != nil {
			return err
		}
		return fn(documentID, data)
	})
}

// DeleteAll deletes every object of the collection
func (s *S3) DeleteAll(ctx context.Context, collectionID string) error {
	prefix := s.collectionPrefix(collectionID)
	logger.FromContext(ctx).Infoln("Deleting all", prefix)
	var keys []string
	err := s.list(ctx, prefix, func(key string) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			logger.FromContext(ctx).WithError(err).Errorln("Could not delete", key)
			return err
		}
	}
	return nil
}

func (s *S3) list(ctx context.Context, prefix string, fn func(key string) error) error {
	var continuationToken *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			logger.FromContext(ctx).WithError(err).Errorln("Could not ListObjectsV2 from", s.bucket)
			return err
		}
		for _, item := range resp.Contents {
			if item.Key == nil || !strings.HasSuffix(*item.Key, ".json") {
				continue
			}
			if err := fn(*item.Key); err != nil {
				return err
			}
		}
		continuationToken = resp.NextContinuationToken
		if continuationToken == nil {
			return nil
		}
	}
}
