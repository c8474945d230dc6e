// Package deploy builds the static site and the chatbot Lambda and ships
// them to AWS, recording every step in a deploy log.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/quizcache/deploy/cloud"
	"github.com/unkn0wn-root/quizcache/deploy/deploylog"
	"github.com/unkn0wn-root/quizcache/deploy/guard"
	"github.com/unkn0wn-root/quizcache/deploy/notify"
	"github.com/unkn0wn-root/quizcache/deploy/retry"
)

type Mode string

const (
	Frontend Mode = "frontend"
	Backend  Mode = "backend"
	Full     Mode = "full"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case Frontend, Backend, Full:
		return m, nil
	case "":
		return Frontend, nil
	}
	return "", &ValidationError{Reason: fmt.Sprintf("unknown deploy mode %q", s)}
}

func (m Mode) frontend() bool { return m == Frontend || m == Full }
func (m Mode) backend() bool  { return m == Backend || m == Full }

type Options struct {
	SkipTests bool
	Force     bool
}

// ValidationError means the deploy cannot start or continue in the current
// environment. It is never retried.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Retryable is the retry predicate for deploy steps.
func Retryable(err error) bool { return !IsValidation(err) }

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type Bucket interface {
	Name() string
	Accessible(ctx context.Context) error
	Clean(ctx context.Context, keep ...string) (int, error)
	UploadDir(ctx context.Context, dir string, exclude []string) (int, error)
	UploadFile(ctx context.Context, key, file, cacheControl string) error
	Exists(ctx context.Context, key string) (bool, error)
}

type CDN interface {
	Invalidate(ctx context.Context, paths ...string) (string, error)
}

type Functions interface {
	Exists(ctx context.Context, name string) (bool, error)
	Describe(ctx context.Context, name string) (cloud.FunctionInfo, error)
	UpdateCode(ctx context.Context, name string, zip []byte) (cloud.FunctionInfo, error)
	Smoke(ctx context.Context, name string, payload any) (cloud.SmokeResult, error)
}

type Identity interface {
	Caller(ctx context.Context) (cloud.Caller, error)
}

type Dashboard interface {
	Put(ctx context.Context, name, body string) error
}

type Metrics interface {
	RecordDeploy(ctx context.Context, mode string, success bool, d time.Duration) error
}

var (
	_ Bucket    = (*cloud.Bucket)(nil)
	_ CDN       = (*cloud.CDN)(nil)
	_ Functions = (*cloud.Functions)(nil)
	_ Identity  = (*cloud.Identity)(nil)
	_ Dashboard = (*cloud.Dashboard)(nil)
	_ Metrics   = (*cloud.Metrics)(nil)
)

// Deps are the collaborators of a Deployer. Dashboard, Metrics and Notifier
// are optional.
type Deps struct {
	Bucket    Bucket
	CDN       CDN
	Functions Functions
	Identity  Identity
	Dashboard Dashboard
	Metrics   Metrics
	Notifier  notify.Notifier
	Runner    Runner
	Retry     *retry.Executor
	Logger    *zap.Logger
	Now       func() time.Time
}

type Deployer struct {
	cfg   Config
	d     Deps
	guard *guard.Guard
	log   *zap.Logger
}

func New(cfg Config, d Deps) (*Deployer, error) {
	if d.Bucket == nil || d.CDN == nil || d.Functions == nil || d.Identity == nil {
		return nil, errors.New("deploy: Bucket, CDN, Functions and Identity are required")
	}
	if d.Runner == nil {
		d.Runner = ExecRunner{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Retry == nil {
		d.Retry = retry.New(retry.Config{Logger: d.Logger, Retryable: Retryable})
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	cfg = cfg.withDefaults()
	g, err := guard.New(guard.Config{
		OutDir:        cfg.path(cfg.OutDir),
		PublicDir:     cfg.path(cfg.PublicDir),
		CriticalFiles: cfg.CriticalFiles,
		WebsiteURL:    cfg.WebsiteURL,
		Probes:        cfg.Probes,
		HTTPClient:    cfg.HTTPClient,
		Logger:        d.Logger,
	}, d.Bucket, d.CDN)
	if err != nil {
		return nil, err
	}
	return &Deployer{cfg: cfg, d: d, guard: g, log: d.Logger}, nil
}

// Guard returns the deploy guard configured for the project.
func (d *Deployer) Guard() *guard.Guard { return d.guard }

// Deploy runs one deploy and always saves its log record. On failure the API
// routes are restored and a failure notification is sent.
func (d *Deployer) Deploy(ctx context.Context, mode Mode, opts Options) (deploylog.Record, error) {
	start := d.d.Now()
	rec := deploylog.Record{ID: uuid.NewString(), Timestamp: start.UTC(), Mode: string(mode), Steps: []deploylog.Step{}}
	log := d.log.With(zap.String("deploy_id", rec.ID), zap.String("mode", string(mode)))
	log.Info("deploy started", zap.Bool("skip_tests", opts.SkipTests), zap.Bool("force", opts.Force))

	err := d.run(ctx, mode, opts, &rec, log)
	elapsed := d.d.Now().Sub(start)
	rec.DurationSeconds = float64(elapsed.Round(100*time.Millisecond)) / float64(time.Second)

	if err != nil {
		rec.Status = deploylog.StatusFailed
		rec.Error = err.Error()
		if rerr := d.restoreAPI(); rerr != nil {
			log.Error("restore API routes failed", zap.Error(rerr))
		}
		log.Error("deploy failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		d.notify(ctx, notify.Error, "배포 실패", fmt.Sprintf("Mode: %s\nError: %v", mode, err))
	} else {
		rec.Status = deploylog.StatusSuccess
		rec.BuildID = d.buildID()
		d.reportSuccess(ctx, mode, &rec, log)
	}
	if d.d.Metrics != nil {
		// recorded even when ctx is already cancelled
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if merr := d.d.Metrics.RecordDeploy(mctx, string(mode), err == nil, elapsed); merr != nil {
			log.Warn("deploy metric failed", zap.Error(merr))
		}
		cancel()
	}

	if path, serr := deploylog.Save(d.cfg.LogPath(), rec); serr != nil {
		log.Error("save deploy log failed", zap.Error(serr))
	} else {
		log.Info("deploy log saved", zap.String("path", path))
	}
	return rec, err
}

func (d *Deployer) run(ctx context.Context, mode Mode, opts Options, rec *deploylog.Record, log *zap.Logger) error {
	if !mode.frontend() && !mode.backend() {
		return &ValidationError{Reason: fmt.Sprintf("unknown deploy mode %q", mode)}
	}
	if err := d.step(ctx, rec, "pre-validation", func(ctx context.Context) error {
		return d.preValidate(ctx, mode, opts, log)
	}); err != nil {
		return err
	}
	if mode.frontend() {
		if err := d.deployFrontend(ctx, rec); err != nil {
			return err
		}
	}
	if mode.backend() {
		if err := d.deployBackend(ctx, rec); err != nil {
			return err
		}
	}
	if opts.SkipTests {
		rec.Add("post-validation", deploylog.StatusSkipped, nil)
		return nil
	}
	return d.step(ctx, rec, "post-validation", func(ctx context.Context) error {
		d.postValidate(ctx, mode, log)
		return nil
	})
}

// step runs fn and records its outcome under name.
func (d *Deployer) step(ctx context.Context, rec *deploylog.Record, name string, fn func(context.Context) error) error {
	d.log.Info("step started", zap.String("step", name))
	if err := fn(ctx); err != nil {
		rec.Add(name, deploylog.StatusFailed, err)
		return err
	}
	rec.Add(name, deploylog.StatusSuccess, nil)
	return nil
}

func (d *Deployer) preValidate(ctx context.Context, mode Mode, opts Options, log *zap.Logger) error {
	caller, err := d.d.Identity.Caller(ctx)
	if err != nil {
		return &ValidationError{Reason: "AWS credentials not configured", Err: err}
	}
	log.Info("AWS identity", zap.String("account", caller.Account), zap.String("user", caller.User()))

	if err := d.d.Bucket.Accessible(ctx); err != nil {
		return &ValidationError{Reason: "S3 bucket not accessible", Err: err}
	}
	if mode.backend() {
		ok, err := d.d.Functions.Exists(ctx, d.cfg.Function)
		if err != nil || !ok {
			return &ValidationError{Reason: "cannot access Lambda function " + d.cfg.Function, Err: err}
		}
	}

	for _, f := range d.cfg.RequiredFiles {
		if !exists(d.cfg.path(f)) {
			return &ValidationError{Reason: "required file missing: " + f}
		}
	}

	if mode.frontend() {
		if err := d.checkParkedAPI(opts.Force, log); err != nil {
			return err
		}
		if !exists(d.cfg.path("node_modules")) && len(d.cfg.InstallCommand) > 0 {
			log.Info("installing dependencies")
			if err := d.d.Runner.Run(ctx, d.cfg.ProjectDir, d.cfg.InstallCommand[0], d.cfg.InstallCommand[1:]...); err != nil {
				return &ValidationError{Reason: "dependency install failed", Err: err}
			}
		}
	}
	if mode.backend() {
		dir := d.cfg.path(d.cfg.LambdaDir)
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			return &ValidationError{Reason: "backend lambda directory not found: " + d.cfg.LambdaDir}
		}
		for _, f := range d.cfg.LambdaFiles {
			if !exists(filepath.Join(dir, f)) {
				return &ValidationError{Reason: "required backend file missing: " + filepath.ToSlash(filepath.Join(d.cfg.LambdaDir, f))}
			}
		}
	}
	return nil
}

func (d *Deployer) postValidate(ctx context.Context, mode Mode, log *zap.Logger) {
	results := d.guard.ProbeAll(ctx, d.cfg.Probes)
	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	log.Info("website probes done", zap.Int("total", len(results)), zap.Int("failed", failed))

	if !mode.backend() {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, d.cfg.LambdaTimeout)
	defer cancel()
	res, err := d.d.Functions.Smoke(sctx, d.cfg.Function, d.cfg.SmokePayload)
	switch {
	case err != nil:
		log.Warn("lambda smoke test failed", zap.Error(err))
	case !res.OK:
		log.Warn("lambda smoke test returned an error response",
			zap.Int("status_code", res.StatusCode), zap.String("function_error", res.FunctionError))
	default:
		log.Info("lambda responding", zap.String("function", d.cfg.Function))
	}
}

func (d *Deployer) reportSuccess(ctx context.Context, mode Mode, rec *deploylog.Record, log *zap.Logger) {
	log.Info("deploy succeeded",
		zap.Float64("duration_s", rec.DurationSeconds),
		zap.String("website", d.cfg.WebsiteURL),
		zap.String("cloudfront", d.cfg.CloudFrontURL),
		zap.String("build_id", rec.BuildID))

	if d.d.Dashboard != nil && d.cfg.DashboardName != "" {
		body, err := cloud.DashboardBody(d.cfg.Region, d.cfg.Function, d.cfg.Distribution, d.cfg.MetricsNamespace)
		if err == nil {
			err = d.d.Dashboard.Put(ctx, d.cfg.DashboardName, body)
		}
		if err != nil {
			log.Warn("dashboard update failed", zap.Error(err))
		}
	}

	text := fmt.Sprintf("Mode: %s\nDuration: %.1fs\nBuild: %s\n%s", mode, rec.DurationSeconds, rec.BuildID, d.cfg.WebsiteURL)
	d.notify(ctx, notify.Success, "배포 성공", text)
}

func (d *Deployer) notify(ctx context.Context, t notify.Type, title, text string) {
	if d.d.Notifier == nil {
		return
	}
	if _, err := d.d.Notifier.Notify(context.WithoutCancel(ctx), notify.Message{Type: t, Title: title, Text: text, Time: d.d.Now()}); err != nil {
		d.log.Warn("notification failed", zap.Error(err))
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
