package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/quizcache/deploy/deploylog"
	"github.com/unkn0wn-root/quizcache/deploy/retry"
)

const parkedSuffix = "_temp"

// shortCached are re-uploaded after the bulk upload with a short max-age.
var shortCached = []string{"index.html", "404.html"}

// deployFrontend builds the static export with the API routes parked
// outside the app dir, repairs and uploads it, and invalidates the CDN.
func (d *Deployer) deployFrontend(ctx context.Context, rec *deploylog.Record) (err error) {
	parked, err := d.parkAPI()
	if err != nil {
		rec.Add("park-api", deploylog.StatusFailed, err)
		return err
	}
	if parked {
		defer func() {
			if rerr := d.restoreAPI(); rerr != nil && err == nil {
				err = rerr
			}
		}()
	}

	if err := d.step(ctx, rec, "build", func(ctx context.Context) error {
		cmd := d.cfg.BuildCommand
		if len(cmd) == 0 {
			return &ValidationError{Reason: "no build command configured"}
		}
		return d.d.Runner.Run(ctx, d.cfg.ProjectDir, cmd[0], cmd[1:]...)
	}); err != nil {
		return err
	}

	if err := d.step(ctx, rec, "pre-guard", func(ctx context.Context) error {
		created, err := d.guard.PreCheck(ctx)
		if len(created) > 0 {
			d.log.Warn("guard repaired build output", zap.Strings("files", created))
		}
		return err
	}); err != nil {
		return err
	}

	if err := d.step(ctx, rec, "s3-upload", d.upload); err != nil {
		return err
	}

	if err := d.step(ctx, rec, "cloudfront-invalidation", func(ctx context.Context) error {
		id, err := retry.Do(ctx, d.d.Retry, "CloudFront invalidation", func(ctx context.Context) (string, error) {
			return d.d.CDN.Invalidate(ctx, "/*")
		})
		if err == nil {
			d.log.Info("cache invalidation started", zap.String("id", id))
		}
		return err
	}); err != nil {
		return err
	}

	return d.step(ctx, rec, "post-guard", func(ctx context.Context) error {
		d.guard.PostCheck(ctx)
		return nil
	})
}

// upload replaces the bucket contents with the build output. Only the first
// attempt cleans the bucket.
func (d *Deployer) upload(ctx context.Context) error {
	out := d.cfg.path(d.cfg.OutDir)
	attempt := 0
	return d.d.Retry.Run(ctx, "S3 upload", func(ctx context.Context) error {
		attempt++
		if attempt == 1 {
			cctx, cancel := context.WithTimeout(ctx, d.cfg.CleanTimeout)
			n, err := d.d.Bucket.Clean(cctx, d.cfg.KeepObjects...)
			cancel()
			if err != nil {
				return err
			}
			d.log.Info("old files removed", zap.Int("objects", n))
		}

		uctx, cancel := context.WithTimeout(ctx, d.cfg.UploadTimeout)
		defer cancel()
		n, err := d.d.Bucket.UploadDir(uctx, out, d.cfg.ExcludeGlobs)
		if err != nil {
			return err
		}
		for _, f := range shortCached {
			p := filepath.Join(out, f)
			if !exists(p) {
				continue
			}
			if err := d.d.Bucket.UploadFile(uctx, f, p, "max-age=300"); err != nil {
				return err
			}
		}
		d.log.Info("upload complete", zap.Int("files", n))
		return nil
	})
}

func (d *Deployer) parkedDir() string {
	return d.cfg.path(strings.TrimRight(d.cfg.APIDir, "/") + parkedSuffix)
}

// parkAPI moves the API routes dir out of the way of the static export and
// reports whether it did.
func (d *Deployer) parkAPI() (bool, error) {
	if d.cfg.APIDir == "" || !exists(d.cfg.path(d.cfg.APIDir)) {
		return false, nil
	}
	if err := os.Rename(d.cfg.path(d.cfg.APIDir), d.parkedDir()); err != nil {
		return false, fmt.Errorf("park API routes: %w", err)
	}
	d.log.Info("API routes parked", zap.String("dir", d.cfg.APIDir))
	return true, nil
}

// restoreAPI moves parked API routes back. It is a no-op when nothing is
// parked.
func (d *Deployer) restoreAPI() error {
	if d.cfg.APIDir == "" || !exists(d.parkedDir()) {
		return nil
	}
	if exists(d.cfg.path(d.cfg.APIDir)) {
		return fmt.Errorf("restore API routes: both %s and %s exist", d.cfg.APIDir, d.cfg.APIDir+parkedSuffix)
	}
	if err := os.Rename(d.parkedDir(), d.cfg.path(d.cfg.APIDir)); err != nil {
		return fmt.Errorf("restore API routes: %w", err)
	}
	d.log.Info("API routes restored", zap.String("dir", d.cfg.APIDir))
	return nil
}

func (d *Deployer) checkParkedAPI(force bool, log *zap.Logger) error {
	if d.cfg.APIDir == "" || !exists(d.parkedDir()) {
		return nil
	}
	if !force {
		return &ValidationError{Reason: fmt.Sprintf("%s is left over from an earlier deploy; restore it or pass --force", d.cfg.APIDir+parkedSuffix)}
	}
	log.Warn("restoring API routes left parked by an earlier deploy")
	return d.restoreAPI()
}

var buildIDPattern = regexp.MustCompile(`[a-zA-Z0-9_-]{20,}`)

// buildID finds the Next.js build id: the name of the directory holding the
// build manifest under _next/static, or else the first id-like token in the
// manifest.
func (d *Deployer) buildID() string {
	root := filepath.Join(d.cfg.path(d.cfg.OutDir), "_next", "static")
	id := "unknown"
	_ = filepath.WalkDir(root, func(p string, e os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if e.IsDir() || e.Name() != "_buildManifest.js" && e.Name() != "buildManifest.js" {
			return nil
		}
		if dir := filepath.Base(filepath.Dir(p)); buildIDPattern.FindString(dir) == dir {
			id = dir
			return filepath.SkipAll
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		if m := buildIDPattern.Find(b); m != nil {
			id = string(m)
			return filepath.SkipAll
		}
		return nil
	})
	return id
}
