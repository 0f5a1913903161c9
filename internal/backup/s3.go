package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/ledger"
)

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Store uploads bundles to s3://<bucket>/<prefix>/ledger/YYYY/MM/DD/.
// Objects are encrypted with S3-managed keys.
type S3Store struct {
	bucket   string
	prefix   string
	uploader uploader
	logger   *zap.Logger
}

// NewS3Store builds an S3Store from the default AWS credential chain
// (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID and friends).
func NewS3Store(ctx context.Context, bucket, prefix string, logger *zap.Logger) (*S3Store, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Store{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
		logger:   logger,
	}, nil
}

// Put implements Store and returns the s3:// URI of the object.
func (s *S3Store) Put(ctx context.Context, bundle *ledger.ExportBundle) (string, error) {
	body, err := Encode(bundle)
	if err != nil {
		return "", err
	}
	key := ObjectKey(s.prefix, bundle.ExportedAt)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"ledger-root":   bundle.RootHash,
			"ledger-height": fmt.Sprint(bundle.Height),
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload %s: %w", key, err)
	}
	uri := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	s.logger.Info("ledger backup uploaded", zap.String("uri", uri), zap.Int("height", bundle.Height))
	return uri, nil
}
