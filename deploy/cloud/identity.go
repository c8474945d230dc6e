package cloud

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

type Caller struct {
	Account string
	ARN     string
	UserID  string
}

// User is the last segment of the ARN, e.g. "deployer" for
// arn:aws:iam::123:user/deployer.
func (c Caller) User() string {
	if i := strings.LastIndexByte(c.ARN, '/'); i >= 0 {
		return c.ARN[i+1:]
	}
	return c.ARN
}

type Identity struct {
	api STSAPI
}

func NewIdentity(api STSAPI) *Identity { return &Identity{api: api} }

func (i *Identity) Caller(ctx context.Context) (Caller, error) {
	out, err := i.api.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return Caller{}, fmt.Errorf("AWS credentials not configured: %w", err)
	}
	return Caller{
		Account: aws.ToString(out.Account),
		ARN:     aws.ToString(out.Arn),
		UserID:  aws.ToString(out.UserId),
	}, nil
}
