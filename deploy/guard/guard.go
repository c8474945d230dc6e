// Package guard keeps a static export deployable: it repairs missing pages
// before upload and verifies the bucket and the site afterwards.
package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const notFoundPage = "404.html"

// Storage is the part of the bucket the guard uses.
type Storage interface {
	Exists(ctx context.Context, key string) (bool, error)
	UploadFile(ctx context.Context, key, file, cacheControl string) error
}

type Invalidator interface {
	Invalidate(ctx context.Context, paths ...string) (string, error)
}

// Probe is a site path and the status it should answer with.
type Probe struct {
	Name     string
	Path     string
	Expected int
}

type ProbeResult struct {
	Probe
	URL    string
	Status int
	Err    error
}

func (r ProbeResult) OK() bool { return r.Err == nil && r.Status == r.Expected }

type Config struct {
	OutDir        string // required
	PublicDir     string
	CriticalFiles []string
	WebsiteURL    string
	Probes        []Probe
	// PostProbes is how many of Probes PostCheck requests. Default 3.
	PostProbes int

	HTTPClient *http.Client
	Logger     *zap.Logger
}

type Guard struct {
	cfg   Config
	store Storage
	cdn   Invalidator
	hc    *http.Client
	log   *zap.Logger
}

// New returns a guard. store and cdn are only needed by PostCheck and
// Emergency and may be nil for PreCheck.
func New(cfg Config, store Storage, cdn Invalidator) (*Guard, error) {
	if cfg.OutDir == "" {
		return nil, errors.New("guard: OutDir is required")
	}
	if cfg.PostProbes <= 0 {
		cfg.PostProbes = 3
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	// report redirects as they are instead of following them
	c := *hc
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{cfg: cfg, store: store, cdn: cdn, hc: &c, log: log.Named("guard")}, nil
}

// PreCheck verifies the build output before upload. Missing critical HTML
// pages are replaced with a page that redirects home, and 404.html is
// copied from the public dir or written from a template. It returns the
// files it created and fails only when the output dir itself is missing.
func (g *Guard) PreCheck(ctx context.Context) ([]string, error) {
	st, err := os.Stat(g.cfg.OutDir)
	if err != nil || !st.IsDir() {
		return nil, fmt.Errorf("build output directory %s not found", g.cfg.OutDir)
	}

	var created []string
	ok, err := g.ensureNotFoundPage()
	if err != nil {
		return created, err
	}
	if ok {
		created = append(created, notFoundPage)
	}

	for _, f := range g.cfg.CriticalFiles {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		if f == notFoundPage || !strings.HasSuffix(f, ".html") {
			continue
		}
		ok, err := writeIfMissing(filepath.Join(g.cfg.OutDir, filepath.FromSlash(f)), redirectPage)
		if err != nil {
			return created, err
		}
		if ok {
			g.log.Warn("created fallback page", zap.String("file", f))
			created = append(created, f)
		}
	}
	g.log.Info("pre-deploy check passed", zap.Int("created", len(created)))
	return created, nil
}

func (g *Guard) ensureNotFoundPage() (bool, error) {
	out := filepath.Join(g.cfg.OutDir, notFoundPage)
	if exists(out) {
		return false, nil
	}
	if g.cfg.PublicDir != "" {
		src := filepath.Join(g.cfg.PublicDir, notFoundPage)
		if exists(src) {
			if err := copyFile(src, out); err != nil {
				return false, err
			}
			g.log.Info("404.html copied from public dir")
			return true, nil
		}
	}
	if _, err := writeIfMissing(out, notFoundTemplate); err != nil {
		return false, err
	}
	g.log.Info("basic 404.html created")
	return true, nil
}

// PostCheck makes sure every critical file reached the bucket, re-uploading
// the missing ones, and probes the first PostProbes URLs. Problems are
// logged and reported, never returned as errors.
func (g *Guard) PostCheck(ctx context.Context) []ProbeResult {
	for _, f := range g.cfg.CriticalFiles {
		ok, err := g.store.Exists(ctx, f)
		if err == nil && ok {
			continue
		}
		g.log.Warn("critical file missing from bucket", zap.String("file", f), zap.Error(err))
		local := filepath.Join(g.cfg.OutDir, filepath.FromSlash(f))
		if !exists(local) {
			continue
		}
		if err := g.store.UploadFile(ctx, f, local, ""); err != nil {
			g.log.Warn("re-upload failed", zap.String("file", f), zap.Error(err))
			continue
		}
		g.log.Info("re-uploaded", zap.String("file", f))
	}

	probes := g.cfg.Probes
	if len(probes) > g.cfg.PostProbes {
		probes = probes[:g.cfg.PostProbes]
	}
	return g.ProbeAll(ctx, probes)
}

// ProbeAll requests every probe against the website and logs the outcome.
func (g *Guard) ProbeAll(ctx context.Context, probes []Probe) []ProbeResult {
	out := make([]ProbeResult, 0, len(probes))
	for _, p := range probes {
		r := g.probe(ctx, p)
		if r.OK() {
			g.log.Info("probe passed", zap.String("name", p.Name), zap.Int("status", r.Status))
		} else {
			g.log.Warn("probe failed", zap.String("name", p.Name), zap.String("url", r.URL),
				zap.Int("status", r.Status), zap.Int("expected", p.Expected), zap.Error(r.Err))
		}
		out = append(out, r)
	}
	return out
}

func (g *Guard) probe(ctx context.Context, p Probe) ProbeResult {
	r := ProbeResult{Probe: p, URL: strings.TrimRight(g.cfg.WebsiteURL, "/") + p.Path}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		r.Err = err
		return r
	}
	resp, err := g.hc.Do(req)
	if err != nil {
		r.Err = err
		return r
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	r.Status = resp.StatusCode
	return r
}

// Emergency uploads a 404 page straight to the bucket, from the build
// output or else the public dir, and invalidates it on the CDN.
func (g *Guard) Emergency(ctx context.Context) error {
	var sources []string
	sources = append(sources, filepath.Join(g.cfg.OutDir, notFoundPage))
	if g.cfg.PublicDir != "" {
		sources = append(sources, filepath.Join(g.cfg.PublicDir, notFoundPage))
	}

	var errs []error
	uploaded := false
	for _, src := range sources {
		if !exists(src) {
			continue
		}
		if err := g.store.UploadFile(ctx, notFoundPage, src, "max-age=300"); err != nil {
			g.log.Warn("emergency upload failed", zap.String("source", src), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		g.log.Info("emergency 404.html uploaded", zap.String("source", src))
		uploaded = true
		break
	}
	if !uploaded {
		errs = append(errs, errors.New("no 404.html could be uploaded"))
	}

	if _, err := g.cdn.Invalidate(ctx, "/"+notFoundPage); err != nil {
		g.log.Warn("emergency invalidation failed", zap.Error(err))
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeIfMissing(path, body string) (bool, error) {
	if exists(path) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return false, err
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
