package deploy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/quizcache/deploy/notify"
	"github.com/unkn0wn-root/quizcache/poller"
)

// Counter reports how many quizzes are stored.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Watch polls the quiz count every interval and redeploys the frontend when
// it grows. It blocks until ctx is done.
func (d *Deployer) Watch(ctx context.Context, c Counter, interval time.Duration) error {
	p, err := poller.New(poller.Config[int]{
		Name:     "quiz-count",
		Interval: interval,
		Poll:     c.Count,
		OnChange: func(ctx context.Context, prev, cur int) {
			if cur <= prev {
				d.log.Info("quiz count dropped, not redeploying", zap.Int("from", prev), zap.Int("to", cur))
				return
			}
			_ = d.Redeploy(ctx, fmt.Sprintf("새 퀴즈 업로드 감지 (%d개)", cur-prev))
		},
		Logger: d.log,
	})
	if err != nil {
		return err
	}
	return p.Run(ctx)
}

// Redeploy runs a frontend deploy and announces why it started.
func (d *Deployer) Redeploy(ctx context.Context, reason string) error {
	d.log.Info("redeploy triggered", zap.String("reason", reason))
	d.notify(ctx, notify.Info, "자동 재배포 시작", "사유: "+reason)
	_, err := d.Deploy(ctx, Frontend, Options{})
	return err
}
