package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/quizcache/deploy"
	"github.com/unkn0wn-root/quizcache/deploy/cloud"
	"github.com/unkn0wn-root/quizcache/deploy/deploylog"
	"github.com/unkn0wn-root/quizcache/deploy/guard"
	"github.com/unkn0wn-root/quizcache/deploy/notify"
	"github.com/unkn0wn-root/quizcache/deploy/retry"
	"github.com/unkn0wn-root/quizcache/internal/config"
	"github.com/unkn0wn-root/quizcache/quizstore"
)

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd, err := parseArgs(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cmd.config)
	if err != nil {
		return err
	}

	if cmd.name == "logs" {
		return printLogs(stdout, deploy.ConfigFrom(cfg), cmd.n)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	d, err := newDeployer(cfg, awsCfg, log)
	if err != nil {
		return err
	}
	store := quizstore.New(dynamodb.NewFromConfig(awsCfg), cfg.AWS.Table, quizstore.WithLogger(log))

	switch cmd.name {
	case "deploy":
		mode, err := deploy.ParseMode(cmd.mode)
		if err != nil {
			return err
		}
		rec, err := d.Deploy(ctx, mode, deploy.Options{SkipTests: cmd.skipTests, Force: cmd.force})
		printRecord(stdout, rec)
		return err

	case "guard":
		return runGuard(ctx, stdout, d.Guard(), cmd.mode)

	case "watch":
		interval := cfg.Deploy.WatchInterval
		if cmd.interval != "" {
			if interval, err = time.ParseDuration(cmd.interval); err != nil {
				return fmt.Errorf("interval: %w", err)
			}
		}
		fmt.Fprintf(stdout, "watching %s every %s\n", cfg.AWS.Table, interval)
		err := d.Watch(ctx, store, interval)
		if ctx.Err() != nil {
			return nil
		}
		return err

	case "once":
		n, err := store.Count(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s: %d quizzes\n", cfg.AWS.Table, n)
		return nil

	case "force":
		return d.Redeploy(ctx, "수동 강제 배포")
	}
	return errUsage
}

func newDeployer(cfg *config.Config, awsCfg aws.Config, log *zap.Logger) (*deploy.Deployer, error) {
	clients := cloud.NewClients(awsCfg)
	dcfg := deploy.ConfigFrom(cfg)

	sinks := []notify.Notifier{}
	if cfg.Notify.SlackWebhook != "" {
		sinks = append(sinks, notify.Slack{WebhookURL: cfg.Notify.SlackWebhook, Environment: string(cfg.Environment), HTTPClient: dcfg.HTTPClient})
	}
	if cfg.Notify.DiscordWebhook != "" {
		sinks = append(sinks, notify.Discord{WebhookURL: cfg.Notify.DiscordWebhook, HTTPClient: dcfg.HTTPClient})
	}
	if cfg.Notify.EventBus != "" {
		sinks = append(sinks, notify.EventBridge{API: eventbridge.NewFromConfig(awsCfg), BusName: cfg.Notify.EventBus})
	}

	return deploy.New(dcfg, deploy.Deps{
		Bucket:    cloud.NewBucket(clients.S3, cfg.AWS.Bucket, log),
		CDN:       cloud.NewCDN(clients.CloudFront, cfg.AWS.Distribution, log),
		Functions: cloud.NewFunctions(clients.Lambda, log),
		Identity:  cloud.NewIdentity(clients.STS),
		Dashboard: cloud.NewDashboard(clients.CloudWatch),
		Metrics:   cloud.NewMetrics(clients.CloudWatch, cfg.AWS.MetricsNS),
		Notifier:  notify.Multi{Notifiers: sinks, Logger: log},
		Runner:    deploy.ExecRunner{},
		Retry: retry.New(retry.Config{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
			Retryable:    deploy.Retryable,
			Logger:       log,
		}),
		Logger: log,
	})
}

func runGuard(ctx context.Context, w io.Writer, g *guard.Guard, phase string) error {
	switch phase {
	case "pre":
		created, err := g.PreCheck(ctx)
		for _, f := range created {
			fmt.Fprintln(w, "created", f)
		}
		return err
	case "post":
		failed := 0
		for _, r := range g.PostCheck(ctx) {
			fmt.Fprintln(w, formatProbe(r))
			if !r.OK() {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d probes failed", failed)
		}
		return nil
	default:
		return g.Emergency(ctx)
	}
}

func formatProbe(r guard.ProbeResult) string {
	mark := "ok  "
	if !r.OK() {
		mark = "FAIL"
	}
	s := fmt.Sprintf("%s %-12s %s -> %d (want %d)", mark, r.Name, r.URL, r.Status, r.Expected)
	if r.Err != nil {
		s += ": " + r.Err.Error()
	}
	return s
}

func printRecord(w io.Writer, rec deploylog.Record) {
	for _, s := range rec.Steps {
		line := fmt.Sprintf("  %-8s %s", s.Status, s.Step)
		if s.Error != "" {
			line += ": " + s.Error
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "%s %s in %.1fs\n", rec.Mode, rec.Status, rec.DurationSeconds)
}

func printLogs(w io.Writer, dcfg deploy.Config, n int) error {
	recs, err := deploylog.List(dcfg.LogPath())
	if err != nil {
		return err
	}
	sum := deploylog.Summarize(recs)
	fmt.Fprintf(w, "%d deploys, %d succeeded, %d failed\n", sum.Total, sum.Success, sum.Failed)
	if n > 0 && len(recs) > n {
		recs = recs[:n]
	}
	for _, r := range recs {
		line := fmt.Sprintf("%s  %-8s %-8s %6.1fs", r.Timestamp.Local().Format("2006-01-02 15:04:05"), r.Mode, r.Status, r.DurationSeconds)
		if r.Error != "" {
			line += "  " + r.Error
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if !cfg.IsProduction() {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.LogLevel != "" {
		lvl, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build(zap.Fields(zap.String("service", "quizdeploy")))
}
