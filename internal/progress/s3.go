package progress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ignite/lead-drip/internal/drip"
	"github.com/ignite/lead-drip/internal/pkg/logger"
	"github.com/sirupsen/logrus"
)

type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store keeps progress in a single S3 object so scheduled runs on
// ephemeral hosts share it.
type S3Store struct {
	client s3API
	bucket string
	key    string
	log    *logrus.Entry
}

var _ drip.ProgressStore = (*S3Store)(nil)

// NewS3Store creates a store for s3://bucket/key using the default AWS
// credential chain.
func NewS3Store(ctx context.Context, bucket, key, region string) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return newS3Store(s3.NewFromConfig(cfg), bucket, key), nil
}

func newS3Store(client s3API, bucket, key string) *S3Store {
	return &S3Store{client: client, bucket: bucket, key: key, log: logger.Component("progress")}
}

// Load returns an empty state when the object does not exist yet.
func (s *S3Store) Load(ctx context.Context) (*drip.State, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			s.log.WithFields(logrus.Fields{"bucket": s.bucket, "key": s.key}).Info("no progress object, starting empty")
			return drip.NewState(), nil
		}
		return nil, fmt.Errorf("getting s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading S3 object body: %w", err)
	}
	return decode(data)
}

// Save overwrites the object.
func (s *S3Store) Save(ctx context.Context, st *drip.State) error {
	data, err := encode(st)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return nil
}
