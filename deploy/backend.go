package deploy

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/quizcache/deploy/cloud"
	"github.com/unkn0wn-root/quizcache/deploy/deploylog"
	"github.com/unkn0wn-root/quizcache/deploy/retry"
)

// deployBackend packages the Lambda dir and replaces the function code.
func (d *Deployer) deployBackend(ctx context.Context, rec *deploylog.Record) error {
	var pkg []byte
	if err := d.step(ctx, rec, "package", func(context.Context) error {
		b, err := Package(d.cfg.path(d.cfg.LambdaDir))
		if err != nil {
			return err
		}
		d.log.Info("lambda package created", zap.String("size", fmt.Sprintf("%.2f MB", float64(len(b))/(1<<20))))
		if int64(len(b)) > d.cfg.MaxPackageSize {
			return &ValidationError{Reason: fmt.Sprintf("lambda package too large (%d bytes > %d)", len(b), d.cfg.MaxPackageSize)}
		}
		pkg = b
		return nil
	}); err != nil {
		return err
	}

	if err := d.step(ctx, rec, "lambda-update", func(ctx context.Context) error {
		_, err := retry.Do(ctx, d.d.Retry, "Lambda update", func(ctx context.Context) (cloud.FunctionInfo, error) {
			return d.d.Functions.UpdateCode(ctx, d.cfg.Function, pkg)
		})
		return err
	}); err != nil {
		return err
	}

	return d.step(ctx, rec, "lambda-verify", func(ctx context.Context) error {
		info, err := d.d.Functions.Describe(ctx, d.cfg.Function)
		if err != nil {
			return err
		}
		d.log.Info("lambda deployed",
			zap.String("function", info.Name),
			zap.String("runtime", info.Runtime),
			zap.Int32("memory_mb", info.MemoryMB),
			zap.Int32("timeout_s", info.TimeoutSec))
		return nil
	})
}

// Package zips the contents of dir, with paths relative to dir.
func Package(dir string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	err := filepath.WalkDir(dir, func(p string, e os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", dir, err)
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
