// Package config loads settings for the quiz API and the deploy tool.
//
// Values are layered, lowest priority first:
//  1. defaults in code
//  2. an optional YAML file (QUIZ_CONFIG or the path passed to Load)
//  3. environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

type Config struct {
	Environment Environment `yaml:"environment" env:"ENVIRONMENT" validate:"oneof=development staging production"`
	LogLevel    string      `yaml:"logLevel" env:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`

	AWS      AWS      `yaml:"aws"`
	URLs     URLs     `yaml:"urls"`
	Timeouts Timeouts `yaml:"timeouts"`
	Retry    Retry    `yaml:"retry"`
	Deploy   Deploy   `yaml:"deploy"`
	Notify   Notify   `yaml:"notify"`
	Server   Server   `yaml:"server"`
	Cache    Cache    `yaml:"cache"`
}

type AWS struct {
	Region       string `yaml:"region" env:"AWS_REGION" validate:"required"`
	Bucket       string `yaml:"bucket" env:"S3_BUCKET" validate:"required"`
	Distribution string `yaml:"distribution" env:"CLOUDFRONT_ID" validate:"required"`
	Function     string `yaml:"function" env:"LAMBDA_FUNCTION" validate:"required"`
	QuizFunction string `yaml:"quizFunction" env:"LAMBDA_QUIZ_FUNCTION"`
	Table        string `yaml:"table" env:"TABLE_NAME" validate:"required"`
	Dashboard    string `yaml:"dashboard" env:"DASHBOARD_NAME"`
	MetricsNS    string `yaml:"metricsNamespace" env:"METRICS_NAMESPACE"`
}

type URLs struct {
	Website    string `yaml:"website" env:"WEBSITE_URL" validate:"required,url"`
	CloudFront string `yaml:"cloudfront" env:"CLOUDFRONT_URL" validate:"omitempty,url"`
	API        string `yaml:"api" env:"QUIZ_API_URL" validate:"omitempty,url"`
}

type Timeouts struct {
	S3Clean     time.Duration `yaml:"s3Clean" env:"TIMEOUT_S3_CLEAN" validate:"gt=0"`
	S3Upload    time.Duration `yaml:"s3Upload" env:"TIMEOUT_S3_UPLOAD" validate:"gt=0"`
	HTTPRequest time.Duration `yaml:"httpRequest" env:"TIMEOUT_HTTP" validate:"gt=0"`
	LambdaTest  time.Duration `yaml:"lambdaTest" env:"TIMEOUT_LAMBDA_TEST" validate:"gt=0"`
}

type Retry struct {
	MaxAttempts  int           `yaml:"maxAttempts" env:"RETRY_MAX_ATTEMPTS" validate:"gte=1"`
	InitialDelay time.Duration `yaml:"initialDelay" env:"RETRY_INITIAL_DELAY" validate:"gt=0"`
	MaxDelay     time.Duration `yaml:"maxDelay" env:"RETRY_MAX_DELAY" validate:"gtefield=InitialDelay"`
	Multiplier   float64       `yaml:"multiplier" env:"RETRY_MULTIPLIER" validate:"gte=1"`
}

// TestURL is a path probed after a deploy and the status it should return.
type TestURL struct {
	Name     string `yaml:"name" validate:"required"`
	Path     string `yaml:"path" validate:"required,startswith=/"`
	Expected int    `yaml:"expected" validate:"gte=100,lte=599"`
}

type Deploy struct {
	ProjectDir     string        `yaml:"projectDir" env:"PROJECT_DIR" validate:"required"`
	OutDir         string        `yaml:"outDir" env:"OUT_DIR" validate:"required"`
	PublicDir      string        `yaml:"publicDir" env:"PUBLIC_DIR"`
	APIDir         string        `yaml:"apiDir" env:"API_DIR"`
	BuildCommand   []string      `yaml:"buildCommand" env:"BUILD_COMMAND" envSeparator:" " validate:"min=1"`
	InstallCommand []string      `yaml:"installCommand" env:"INSTALL_COMMAND" envSeparator:" "`
	LambdaDir      string        `yaml:"lambdaDir" env:"LAMBDA_DIR"`
	LambdaFiles    []string      `yaml:"lambdaFiles" env:"LAMBDA_FILES"`
	RequiredFiles  []string      `yaml:"requiredFiles"`
	CriticalFiles  []string      `yaml:"criticalFiles" validate:"dive,required"`
	TestURLs       []TestURL     `yaml:"testURLs" validate:"dive"`
	KeepObjects    []string      `yaml:"keepObjects"`
	ExcludeGlobs   []string      `yaml:"excludeGlobs"`
	MaxPackageSize int64         `yaml:"maxPackageSize" env:"MAX_PACKAGE_SIZE" validate:"gt=0"`
	LogDir         string        `yaml:"logDir" env:"DEPLOY_LOG_DIR" validate:"required"`
	WatchInterval  time.Duration `yaml:"watchInterval" env:"WATCH_INTERVAL" validate:"gt=0"`
}

type Notify struct {
	SlackWebhook   string `yaml:"slackWebhook" env:"SLACK_WEBHOOK_URL" validate:"omitempty,url"`
	DiscordWebhook string `yaml:"discordWebhook" env:"DISCORD_WEBHOOK_URL" validate:"omitempty,url"`
	EventBus       string `yaml:"eventBus" env:"EVENT_BUS_NAME"`
}

type Server struct {
	Addr           string        `yaml:"addr" env:"SERVER_ADDR" validate:"required"`
	JWTSecret      string        `yaml:"jwtSecret" env:"JWT_SECRET"`
	AllowedOrigins []string      `yaml:"allowedOrigins" env:"ALLOWED_ORIGINS"`
	ReadTimeout    time.Duration `yaml:"readTimeout" env:"SERVER_READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout   time.Duration `yaml:"writeTimeout" env:"SERVER_WRITE_TIMEOUT" validate:"gt=0"`
	// Source is where the API reads quizzes from: the table itself, or an
	// upstream quiz API it caches in front of.
	Source string `yaml:"source" env:"QUIZ_SOURCE" validate:"oneof=dynamodb api"`
}

type Cache struct {
	Memory       string        `yaml:"memory" env:"CACHE_MEMORY" validate:"oneof=ristretto bigcache"`
	MemoryBytes  int64         `yaml:"memoryBytes" env:"CACHE_MEMORY_BYTES" validate:"gt=0"`
	SQLitePath   string        `yaml:"sqlitePath" env:"CACHE_SQLITE_PATH"`
	RedisAddr    string        `yaml:"redisAddr" env:"REDIS_ADDR"`
	QuestionsTTL time.Duration `yaml:"questionsTTL" env:"CACHE_QUESTIONS_TTL" validate:"gt=0"`
	PersistTTL   time.Duration `yaml:"persistTTL" env:"CACHE_PERSIST_TTL" validate:"gt=0"`
	DatasetTTL   time.Duration `yaml:"datasetTTL" env:"CACHE_DATASET_TTL" validate:"gt=0"`
	StaleFor     time.Duration `yaml:"staleFor" env:"CACHE_STALE_FOR" validate:"gte=0"`
	FetchTimeout time.Duration `yaml:"fetchTimeout" env:"CACHE_FETCH_TIMEOUT" validate:"gte=0"`
	SweepEvery   time.Duration `yaml:"sweepEvery" env:"CACHE_SWEEP_EVERY" validate:"gte=0"`
}

// Default returns the settings the quiz site is deployed with.
func Default() *Config {
	return &Config{
		Environment: Development,
		LogLevel:    "info",
		AWS: AWS{
			Region:       "us-east-1",
			Bucket:       "g2-frontend-ver2",
			Distribution: "E8HKFQFSQLNHZ",
			Function:     "sedaily-chatbot-dev-handler",
			QuizFunction: "quiz-handler",
			Table:        "sedaily-quiz-data",
			Dashboard:    "G2-Quiz-Platform",
			MetricsNS:    "G2Quiz/Deploy",
		},
		URLs: URLs{
			Website:    "https://g2.sedaily.ai",
			CloudFront: "https://d1nbq51yydvkc9.cloudfront.net",
			API:        "https://api.g2.sedaily.ai/dev",
		},
		Timeouts: Timeouts{
			S3Clean:     time.Minute,
			S3Upload:    5 * time.Minute,
			HTTPRequest: 10 * time.Second,
			LambdaTest:  15 * time.Second,
		},
		Retry: Retry{
			MaxAttempts:  3,
			InitialDelay: 2 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
		},
		Deploy: Deploy{
			ProjectDir:     ".",
			OutDir:         "out",
			PublicDir:      "public",
			APIDir:         "app/api",
			BuildCommand:   []string{"pnpm", "run", "build:export"},
			InstallCommand: []string{"pnpm", "install"},
			LambdaDir:      "backend/lambda",
			LambdaFiles:    []string{"enhanced-chatbot-handler.py", "requirements.txt"},
			RequiredFiles: []string{
				"package.json", "next.config.mjs", "next.config.export.mjs", "app/layout.tsx", "app/page.tsx",
			},
			CriticalFiles: []string{
				"index.html",
				"404.html",
				"admin/quiz/index.html",
				"games/g1/index.html",
				"games/g2/index.html",
				"games/g3/index.html",
				"games/quizlet/index.html",
			},
			TestURLs: []TestURL{
				{Name: "Homepage", Path: "/", Expected: 200},
				{Name: "Games Hub", Path: "/games", Expected: 200},
				{Name: "Admin Panel", Path: "/admin/quiz", Expected: 200},
				{Name: "Game G1", Path: "/games/g1", Expected: 200},
				{Name: "Game G2", Path: "/games/g2", Expected: 200},
				{Name: "Game G3", Path: "/games/g3", Expected: 200},
				{Name: "Quizlet", Path: "/games/quizlet", Expected: 200},
				{Name: "404 Test", Path: "/nonexistent-page", Expected: 404},
			},
			KeepObjects:    []string{"robots.txt", "sitemap.xml"},
			ExcludeGlobs:   []string{"*.txt"},
			MaxPackageSize: 50 << 20,
			LogDir:         ".deploy-logs",
			WatchInterval:  5 * time.Minute,
		},
		Server: Server{
			Addr:           ":8080",
			AllowedOrigins: []string{"https://g2.sedaily.ai", "http://localhost:3000"},
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   30 * time.Second,
			Source:         "dynamodb",
		},
		Cache: Cache{
			Memory:       "ristretto",
			MemoryBytes:  64 << 20,
			QuestionsTTL: 10 * time.Minute,
			PersistTTL:   15 * time.Minute,
			DatasetTTL:   5 * time.Minute,
			StaleFor:     time.Hour,
			FetchTimeout: 10 * time.Second,
			SweepEvery:   30 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (or
// $QUIZ_CONFIG when path is empty; no file is fine) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("QUIZ_CONFIG")
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %s", verrs[0].Error())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Environment == Production && c.Server.JWTSecret == "" {
		return errors.New("invalid config: JWT_SECRET is required in production")
	}
	if c.Server.Source == "api" && c.URLs.API == "" {
		return errors.New("invalid config: QUIZ_API_URL is required when QUIZ_SOURCE=api")
	}
	return nil
}

// IsProduction reports whether the config targets production.
func (c *Config) IsProduction() bool { return c.Environment == Production }
