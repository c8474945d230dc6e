package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CDN struct {
	api          CloudFrontAPI
	distribution string
	log          *zap.Logger
}

func NewCDN(api CloudFrontAPI, distribution string, log *zap.Logger) *CDN {
	if log == nil {
		log = zap.NewNop()
	}
	return &CDN{api: api, distribution: distribution, log: log.With(zap.String("distribution", distribution))}
}

// Invalidate creates an invalidation for paths (default "/*") and returns
// its id.
func (c *CDN) Invalidate(ctx context.Context, paths ...string) (string, error) {
	if len(paths) == 0 {
		paths = []string{"/*"}
	}
	out, err := c.api.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(c.distribution),
		InvalidationBatch: &types.InvalidationBatch{
			CallerReference: aws.String(uuid.NewString()),
			Paths: &types.Paths{
				Quantity: aws.Int32(int32(len(paths))),
				Items:    paths,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create invalidation: %w", err)
	}
	if out.Invalidation == nil {
		return "", errors.New("create invalidation: empty response")
	}
	id := aws.ToString(out.Invalidation.Id)
	c.log.Info("invalidation created", zap.String("id", id), zap.Strings("paths", paths))
	return id, nil
}
