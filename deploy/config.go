package deploy

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/unkn0wn-root/quizcache/deploy/guard"
	"github.com/unkn0wn-root/quizcache/internal/config"
)

// Config describes the project being deployed. Relative paths are resolved
// against ProjectDir.
type Config struct {
	ProjectDir     string
	OutDir         string
	PublicDir      string
	APIDir         string
	BuildCommand   []string
	InstallCommand []string
	RequiredFiles  []string
	CriticalFiles  []string
	KeepObjects    []string
	ExcludeGlobs   []string
	Probes         []guard.Probe
	LogDir         string

	LambdaDir      string
	LambdaFiles    []string
	MaxPackageSize int64
	Function       string
	SmokePayload   any

	Region           string
	Distribution     string
	DashboardName    string
	MetricsNamespace string
	WebsiteURL       string
	CloudFrontURL    string

	CleanTimeout  time.Duration
	UploadTimeout time.Duration
	LambdaTimeout time.Duration
	HTTPClient    *http.Client
}

// DefaultSmokePayload is the chatbot request sent after a backend deploy.
var DefaultSmokePayload = map[string]string{"question": "테스트 질문", "gameType": "BlackSwan"}

// ConfigFrom maps the shared configuration onto a deploy Config.
func ConfigFrom(c *config.Config) Config {
	probes := make([]guard.Probe, 0, len(c.Deploy.TestURLs))
	for _, u := range c.Deploy.TestURLs {
		probes = append(probes, guard.Probe{Name: u.Name, Path: u.Path, Expected: u.Expected})
	}
	return Config{
		ProjectDir:       c.Deploy.ProjectDir,
		OutDir:           c.Deploy.OutDir,
		PublicDir:        c.Deploy.PublicDir,
		APIDir:           c.Deploy.APIDir,
		BuildCommand:     c.Deploy.BuildCommand,
		InstallCommand:   c.Deploy.InstallCommand,
		RequiredFiles:    c.Deploy.RequiredFiles,
		CriticalFiles:    c.Deploy.CriticalFiles,
		KeepObjects:      c.Deploy.KeepObjects,
		ExcludeGlobs:     c.Deploy.ExcludeGlobs,
		Probes:           probes,
		LogDir:           c.Deploy.LogDir,
		LambdaDir:        c.Deploy.LambdaDir,
		LambdaFiles:      c.Deploy.LambdaFiles,
		MaxPackageSize:   c.Deploy.MaxPackageSize,
		Function:         c.AWS.Function,
		SmokePayload:     DefaultSmokePayload,
		Region:           c.AWS.Region,
		Distribution:     c.AWS.Distribution,
		DashboardName:    c.AWS.Dashboard,
		MetricsNamespace: c.AWS.MetricsNS,
		WebsiteURL:       c.URLs.Website,
		CloudFrontURL:    c.URLs.CloudFront,
		CleanTimeout:     c.Timeouts.S3Clean,
		UploadTimeout:    c.Timeouts.S3Upload,
		LambdaTimeout:    c.Timeouts.LambdaTest,
		HTTPClient:       &http.Client{Timeout: c.Timeouts.HTTPRequest},
	}
}

func (c Config) withDefaults() Config {
	if c.ProjectDir == "" {
		c.ProjectDir = "."
	}
	if c.OutDir == "" {
		c.OutDir = "out"
	}
	if c.LogDir == "" {
		c.LogDir = ".deploy-logs"
	}
	if c.MaxPackageSize <= 0 {
		c.MaxPackageSize = 50 << 20
	}
	if c.CleanTimeout <= 0 {
		c.CleanTimeout = time.Minute
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 5 * time.Minute
	}
	if c.LambdaTimeout <= 0 {
		c.LambdaTimeout = 15 * time.Second
	}
	if c.SmokePayload == nil {
		c.SmokePayload = DefaultSmokePayload
	}
	return c
}

// LogPath is the directory deploy records are saved in.
func (c Config) LogPath() string { return c.path(c.LogDir) }

// path resolves p against the project dir.
func (c Config) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ProjectDir, filepath.FromSlash(p))
}
