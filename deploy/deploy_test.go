package deploy

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/quizcache/deploy/cloud"
	"github.com/unkn0wn-root/quizcache/deploy/deploylog"
	"github.com/unkn0wn-root/quizcache/deploy/guard"
	"github.com/unkn0wn-root/quizcache/deploy/notify"
	"github.com/unkn0wn-root/quizcache/deploy/retry"
)

const buildID = "Xk3p9QwZr7LmN2bV5cTy1"

type fakeBucket struct {
	mu          sync.Mutex
	cleans      int
	uploadFails int
	dirUploads  int
	objects     map[string]string // key -> cache control
}

func (b *fakeBucket) Name() string                     { return "site" }
func (b *fakeBucket) Accessible(context.Context) error { return nil }

func (b *fakeBucket) Clean(context.Context, ...string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleans++
	n := len(b.objects)
	b.objects = map[string]string{}
	return n, nil
}

func (b *fakeBucket) UploadDir(_ context.Context, dir string, exclude []string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirUploads++
	if b.uploadFails > 0 {
		b.uploadFails--
		return 0, errors.New("connection reset")
	}
	n := 0
	err := filepath.WalkDir(dir, func(p string, e os.DirEntry, err error) error {
		if err != nil || e.IsDir() {
			return err
		}
		for _, g := range exclude {
			if ok, _ := filepath.Match(g, e.Name()); ok {
				return nil
			}
		}
		rel, _ := filepath.Rel(dir, p)
		b.objects[filepath.ToSlash(rel)] = ""
		n++
		return nil
	})
	return n, err
}

func (b *fakeBucket) UploadFile(_ context.Context, key, _, cacheControl string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = cacheControl
	return nil
}

func (b *fakeBucket) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok, nil
}

type fakeCDN struct {
	mu    sync.Mutex
	paths [][]string
}

func (c *fakeCDN) Invalidate(_ context.Context, paths ...string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, paths)
	return "I123", nil
}

type fakeFunctions struct {
	exists bool
	zip    []byte
	smokes int
}

func (f *fakeFunctions) Exists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeFunctions) Describe(_ context.Context, name string) (cloud.FunctionInfo, error) {
	return cloud.FunctionInfo{Name: name, Runtime: "python3.12", MemoryMB: 512, TimeoutSec: 30}, nil
}

func (f *fakeFunctions) UpdateCode(_ context.Context, name string, zip []byte) (cloud.FunctionInfo, error) {
	f.zip = zip
	return cloud.FunctionInfo{Name: name, CodeSize: int64(len(zip))}, nil
}

func (f *fakeFunctions) Smoke(context.Context, string, any) (cloud.SmokeResult, error) {
	f.smokes++
	return cloud.SmokeResult{OK: true, StatusCode: 200}, nil
}

type fakeIdentity struct{ err error }

func (i fakeIdentity) Caller(context.Context) (cloud.Caller, error) {
	return cloud.Caller{Account: "123456789012", ARN: "arn:aws:iam::123456789012:user/deployer"}, i.err
}

type fakeMetrics struct {
	mu      sync.Mutex
	records []bool
}

func (m *fakeMetrics) RecordDeploy(_ context.Context, _ string, success bool, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, success)
	return nil
}

type fakeDashboard struct{ bodies map[string]string }

func (d *fakeDashboard) Put(_ context.Context, name, body string) error {
	d.bodies[name] = body
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (n *recordingNotifier) Notify(_ context.Context, m notify.Message) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, m)
	return true, nil
}

func (n *recordingNotifier) types() []notify.Type {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Type
	for _, m := range n.msgs {
		out = append(out, m.Type)
	}
	return out
}

// fakeRunner stands in for pnpm: the build command writes a small export.
type fakeRunner struct {
	mu       sync.Mutex
	project  string
	cmds     []string
	buildErr error
	// apiParked records whether app/api was out of the way during the build
	apiParked bool
}

func (r *fakeRunner) Run(_ context.Context, _ string, name string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := strings.Join(append([]string{name}, args...), " ")
	r.cmds = append(r.cmds, cmd)
	if cmd != "pnpm run build:export" {
		return nil
	}
	_, err := os.Stat(filepath.Join(r.project, "app", "api"))
	r.apiParked = os.IsNotExist(err)
	if r.buildErr != nil {
		return r.buildErr
	}
	out := filepath.Join(r.project, "out")
	files := map[string]string{
		"index.html":          "<html>home</html>",
		"index.txt":           "rsc",
		"games/g1/index.html": "<html>g1</html>",
	}
	files["_next/static/"+buildID+"/_buildManifest.js"] = "self.__BUILD_MANIFEST={}"
	for name, body := range files {
		p := filepath.Join(out, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeRunner) builds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.cmds {
		if c == "pnpm run build:export" {
			n++
		}
	}
	return n
}

type harness struct {
	project  string
	cfg      Config
	bucket   *fakeBucket
	cdn      *fakeCDN
	fns      *fakeFunctions
	runner   *fakeRunner
	metrics  *fakeMetrics
	dash     *fakeDashboard
	notifier *recordingNotifier
	identity fakeIdentity
}

func touch(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	project := t.TempDir()
	required := []string{"package.json", "next.config.mjs", "app/layout.tsx"}
	for _, f := range required {
		touch(t, filepath.Join(project, filepath.FromSlash(f)), "x")
	}
	touch(t, filepath.Join(project, "app", "api", "admin", "route.ts"), "export {}")
	touch(t, filepath.Join(project, "node_modules", ".keep"), "")
	touch(t, filepath.Join(project, "backend", "lambda", "enhanced-chatbot-handler.py"), "def handler(e, c): pass\n")
	touch(t, filepath.Join(project, "backend", "lambda", "requirements.txt"), "boto3\n")

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/nonexistent-page" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(site.Close)

	return &harness{
		project: project,
		cfg: Config{
			ProjectDir:     project,
			OutDir:         "out",
			PublicDir:      "public",
			APIDir:         "app/api",
			BuildCommand:   []string{"pnpm", "run", "build:export"},
			InstallCommand: []string{"pnpm", "install"},
			RequiredFiles:  required,
			CriticalFiles:  []string{"index.html", "404.html", "games/g1/index.html", "games/g2/index.html"},
			KeepObjects:    []string{"robots.txt", "sitemap.xml"},
			ExcludeGlobs:   []string{"*.txt"},
			Probes: []guard.Probe{
				{Name: "Homepage", Path: "/", Expected: 200},
				{Name: "404 Test", Path: "/nonexistent-page", Expected: 404},
			},
			LogDir:        ".deploy-logs",
			LambdaDir:     "backend/lambda",
			LambdaFiles:   []string{"enhanced-chatbot-handler.py", "requirements.txt"},
			Function:      "sedaily-chatbot-dev-handler",
			DashboardName: "G2-Quiz-Platform",
			WebsiteURL:    site.URL,
		},
		bucket:   &fakeBucket{objects: map[string]string{"robots.txt": ""}},
		cdn:      &fakeCDN{},
		fns:      &fakeFunctions{exists: true},
		runner:   &fakeRunner{project: project},
		metrics:  &fakeMetrics{},
		dash:     &fakeDashboard{bodies: map[string]string{}},
		notifier: &recordingNotifier{},
	}
}

func (h *harness) deployer(t *testing.T) *Deployer {
	t.Helper()
	d, err := New(h.cfg, Deps{
		Bucket:    h.bucket,
		CDN:       h.cdn,
		Functions: h.fns,
		Identity:  h.identity,
		Dashboard: h.dash,
		Metrics:   h.metrics,
		Notifier:  h.notifier,
		Runner:    h.runner,
		Retry:     retry.New(retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Retryable: Retryable}),
	})
	require.NoError(t, err)
	return d
}

func stepNames(rec deploylog.Record) []string {
	var out []string
	for _, s := range rec.Steps {
		out = append(out, s.Step+":"+string(s.Status))
	}
	return out
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": Frontend, "frontend": Frontend, "Backend": Backend, " full ": Full} {
		m, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, m)
	}
	_, err := ParseMode("everything")
	assert.True(t, IsValidation(err))
}

func TestFrontendDeploy(t *testing.T) {
	h := newHarness(t)
	rec, err := h.deployer(t).Deploy(context.Background(), Frontend, Options{})
	require.NoError(t, err)

	assert.Equal(t, deploylog.StatusSuccess, rec.Status)
	assert.Equal(t, []string{
		"pre-validation:success",
		"build:success",
		"pre-guard:success",
		"s3-upload:success",
		"cloudfront-invalidation:success",
		"post-guard:success",
		"post-validation:success",
	}, stepNames(rec))
	assert.Equal(t, buildID, rec.BuildID)

	assert.True(t, h.runner.apiParked, "API routes are parked during the build")
	assert.DirExists(t, filepath.Join(h.project, "app", "api"))
	assert.NoDirExists(t, filepath.Join(h.project, "app", "api_temp"))

	assert.Equal(t, 1, h.bucket.cleans)
	assert.NotContains(t, h.bucket.objects, "index.txt")
	assert.Equal(t, "max-age=300", h.bucket.objects["index.html"])
	assert.Equal(t, "max-age=300", h.bucket.objects["404.html"], "guard-created 404 is uploaded with a short max-age")
	assert.Contains(t, h.bucket.objects, "games/g2/index.html", "missing critical page is synthesized")
	assert.Equal(t, [][]string{{"/*"}}, h.cdn.paths)

	assert.Equal(t, []bool{true}, h.metrics.records)
	assert.Contains(t, h.dash.bodies, "G2-Quiz-Platform")
	assert.Equal(t, []notify.Type{notify.Success}, h.notifier.types())
	assert.Zero(t, h.fns.smokes, "frontend deploys do not invoke the Lambda")

	recs, err := deploylog.List(filepath.Join(h.project, ".deploy-logs"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ID, recs[0].ID)
}

func TestUploadRetriesWithoutCleaningAgain(t *testing.T) {
	h := newHarness(t)
	h.bucket.uploadFails = 2
	rec, err := h.deployer(t).Deploy(context.Background(), Frontend, Options{SkipTests: true})
	require.NoError(t, err)

	assert.Equal(t, 1, h.bucket.cleans)
	assert.Equal(t, 3, h.bucket.dirUploads)
	assert.Equal(t, "post-validation:skipped", stepNames(rec)[len(rec.Steps)-1])
}

func TestUploadGivesUp(t *testing.T) {
	h := newHarness(t)
	h.bucket.uploadFails = 5
	rec, err := h.deployer(t).Deploy(context.Background(), Frontend, Options{})
	require.Error(t, err)
	assert.Equal(t, "S3 upload failed after 3 attempts: connection reset", err.Error())
	assert.Equal(t, deploylog.StatusFailed, rec.Status)
	assert.Contains(t, stepNames(rec), "s3-upload:failed")
	assert.Empty(t, h.cdn.paths)
	assert.DirExists(t, filepath.Join(h.project, "app", "api"))
}

func TestBuildFailureRestoresAndNotifies(t *testing.T) {
	h := newHarness(t)
	h.runner.buildErr = errors.New("pnpm: exit status 1")
	rec, err := h.deployer(t).Deploy(context.Background(), Frontend, Options{})
	require.Error(t, err)

	assert.Equal(t, deploylog.StatusFailed, rec.Status)
	assert.Equal(t, "pnpm: exit status 1", rec.Error)
	assert.Equal(t, []string{"pre-validation:success", "build:failed"}, stepNames(rec))
	assert.DirExists(t, filepath.Join(h.project, "app", "api"))
	assert.Equal(t, []notify.Type{notify.Error}, h.notifier.types())
	assert.Equal(t, []bool{false}, h.metrics.records)

	recs, err := deploylog.List(filepath.Join(h.project, ".deploy-logs"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, deploylog.StatusFailed, recs[0].Status)
}

func TestPreValidation(t *testing.T) {
	t.Run("missing project file", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, os.Remove(filepath.Join(h.project, "next.config.mjs")))
		_, err := h.deployer(t).Deploy(context.Background(), Frontend, Options{})
		assert.True(t, IsValidation(err))
		assert.ErrorContains(t, err, "next.config.mjs")
		assert.Zero(t, h.runner.builds())
	})
	t.Run("no credentials", func(t *testing.T) {
		h := newHarness(t)
		h.identity = fakeIdentity{err: errors.New("no credentials")}
		_, err := h.deployer(t).Deploy(context.Background(), Frontend, Options{})
		assert.True(t, IsValidation(err))
	})
	t.Run("missing lambda", func(t *testing.T) {
		h := newHarness(t)
		h.fns.exists = false
		_, err := h.deployer(t).Deploy(context.Background(), Backend, Options{})
		assert.ErrorContains(t, err, "sedaily-chatbot-dev-handler")
	})
	t.Run("missing backend file", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, os.Remove(filepath.Join(h.project, "backend", "lambda", "requirements.txt")))
		_, err := h.deployer(t).Deploy(context.Background(), Backend, Options{})
		assert.ErrorContains(t, err, "backend/lambda/requirements.txt")
	})
	t.Run("installs missing node_modules", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, os.RemoveAll(filepath.Join(h.project, "node_modules")))
		_, err := h.deployer(t).Deploy(context.Background(), Frontend, Options{SkipTests: true})
		require.NoError(t, err)
		assert.Equal(t, "pnpm install", h.runner.cmds[0])
	})
}

func TestParkedAPIFromEarlierRun(t *testing.T) {
	h := newHarness(t)
	api := filepath.Join(h.project, "app", "api")
	require.NoError(t, os.Rename(api, api+"_temp"))

	_, err := h.deployer(t).Deploy(context.Background(), Frontend, Options{})
	assert.True(t, IsValidation(err))
	assert.DirExists(t, api, "a failed deploy restores the parked routes")

	require.NoError(t, os.Rename(api, api+"_temp"))
	_, err = h.deployer(t).Deploy(context.Background(), Frontend, Options{Force: true, SkipTests: true})
	require.NoError(t, err)
	assert.DirExists(t, api)
	assert.NoDirExists(t, api+"_temp")
}

func TestBackendDeploy(t *testing.T) {
	h := newHarness(t)
	rec, err := h.deployer(t).Deploy(context.Background(), Backend, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"pre-validation:success",
		"package:success",
		"lambda-update:success",
		"lambda-verify:success",
		"post-validation:success",
	}, stepNames(rec))
	assert.Equal(t, 1, h.fns.smokes)
	assert.Zero(t, h.runner.builds())

	zr, err := zip.NewReader(bytes.NewReader(h.fns.zip), int64(len(h.fns.zip)))
	require.NoError(t, err)
	names := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, _ := io.ReadAll(rc)
		rc.Close()
		names[f.Name] = string(b)
	}
	assert.Equal(t, map[string]string{
		"enhanced-chatbot-handler.py": "def handler(e, c): pass\n",
		"requirements.txt":            "boto3\n",
	}, names)
}

func TestBackendPackageTooLarge(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxPackageSize = 16
	rec, err := h.deployer(t).Deploy(context.Background(), Backend, Options{})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Nil(t, h.fns.zip)
	assert.Contains(t, stepNames(rec), "package:failed")
}

func TestFullDeploy(t *testing.T) {
	h := newHarness(t)
	rec, err := h.deployer(t).Deploy(context.Background(), Full, Options{})
	require.NoError(t, err)
	assert.Contains(t, stepNames(rec), "s3-upload:success")
	assert.Contains(t, stepNames(rec), "lambda-update:success")
	assert.Equal(t, 1, h.fns.smokes)
}

type seqCounter struct {
	mu     sync.Mutex
	values []int
}

func (c *seqCounter) Count(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.values[0]
	if len(c.values) > 1 {
		c.values = c.values[1:]
	}
	return v, nil
}

func TestWatchRedeploysWhenCountGrows(t *testing.T) {
	h := newHarness(t)
	d := h.deployer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Watch(ctx, &seqCounter{values: []int{5, 5, 4, 7}}, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return h.runner.builds() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 1, h.runner.builds(), "a drop in the count does not redeploy")
	assert.Equal(t, notify.Info, h.notifier.types()[0])
}
