package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

// VideoStore persists uploaded throw videos in object storage so dispatch can
// stream them to the engine after the HTTP request has already returned.
type VideoStore interface {
	StoreVideo(ctx context.Context, jobID, view string, content io.Reader, size int64) error
	OpenVideo(ctx context.Context, jobID, view string) (io.ReadCloser, error)
	GetPresignedURL(ctx context.Context, jobID, view string) (string, error)
	DeleteVideos(ctx context.Context, jobID string) error
}

type videoStore struct {
	s3Client      *s3.Client
	presignClient *s3.PresignClient
	bucketName    string
	logger        zerolog.Logger
}

func NewVideoStore(s3Client *s3.Client, bucketName string, logger zerolog.Logger) VideoStore {
	return &videoStore{
		s3Client:      s3Client,
		presignClient: s3.NewPresignClient(s3Client),
		bucketName:    bucketName,
		logger:        logger.With().Str("service", "VideoStore").Logger(),
	}
}

func videoKey(jobID, view string) string {
	return fmt.Sprintf("jobs/%s/%s.mp4", jobID, view)
}

// StoreVideo uploads one view of a job's video to the bucket.
func (s *videoStore) StoreVideo(ctx context.Context, jobID, view string, content io.Reader, size int64) error {
	key := videoKey(jobID, view)
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          content,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("video/mp4"),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to store video in S3")
		return fmt.Errorf("failed to store video %s: %w", key, err)
	}
	return nil
}

// OpenVideo returns a reader over a stored view. The caller must close it.
func (s *videoStore) OpenVideo(ctx context.Context, jobID, view string) (io.ReadCloser, error) {
	key := videoKey(jobID, view)
	out, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to open video from S3")
		return nil, fmt.Errorf("failed to open video %s: %w", key, err)
	}
	return out.Body, nil
}

// GetPresignedURL generates a signed GET URL so the frontend can play back a
// stored view without proxying the bytes through the API.
func (s *videoStore) GetPresignedURL(ctx context.Context, jobID, view string) (string, error) {
	key := videoKey(jobID, view)
	resp, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to generate presigned URL")
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return resp.URL, nil
}

// DeleteVideos removes every stored object under the job's prefix.
func (s *videoStore) DeleteVideos(ctx context.Context, jobID string) error {
	prefix := fmt.Sprintf("jobs/%s/", jobID)
	paginator := s3.NewListObjectsV2Paginator(s.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	})
	var toDelete []s3types.ObjectIdentifier
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			s.logger.Error().Err(err).Str("prefix", prefix).Msg("Failed to list S3 objects for deletion")
			return fmt.Errorf("failed to list videos for job %s: %w", jobID, err)
		}
		for _, obj := range page.Contents {
			toDelete = append(toDelete, s3types.ObjectIdentifier{Key: obj.Key})
		}
	}
	if len(toDelete) == 0 {
		return nil
	}
	if _, err := s.s3Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucketName),
		Delete: &s3types.Delete{Objects: toDelete, Quiet: aws.Bool(true)},
	}); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to delete videos from S3")
		return fmt.Errorf("failed to delete videos for job %s: %w", jobID, err)
	}
	return nil
}
