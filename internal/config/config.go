// Package config loads runtime configuration from flags, environment and an optional file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "COURIER"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "courier.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultQueueBackend    = QueueBackendMemory
	defaultBlobBackend     = BlobBackendFile
	defaultBlobRoot        = "media"
	defaultNSQTopicPrefix  = "courier."
	defaultNSQChannel      = "courier-engine"
	defaultAuthIssuer      = "courier"
	defaultAuthAudience    = "courier-api"
	defaultAuthTokenTTL    = time.Hour
	defaultPageSize        = 100
	defaultFailThreshold   = 5
	defaultGapAssumeAfter  = 30 * time.Second
	defaultFingerprintTTL  = 10 * time.Minute
	defaultCommitTimeout   = 30 * time.Second
	defaultCallTimeout     = 15 * time.Second
	defaultRetryAttempts   = 5
	defaultRetryBaseDelay  = 200 * time.Millisecond
	defaultRetryMaxDelay   = 30 * time.Second
	defaultCommitWorkers   = 4
	defaultTaskConcurrency = 4
	defaultTaskLease       = 10 * time.Minute
	defaultStableAfter     = 10 * time.Second
	defaultPresignExpiry   = 15 * time.Minute
)

// Queue backends.
const (
	QueueBackendMemory = "memory"
	QueueBackendNSQ    = "nsq"
)

// Blob backends.
const (
	BlobBackendFile  = "file"
	BlobBackendMinio = "minio"
)

// AppConfig captures runtime configuration for the engine and its API.
type AppConfig struct {
	HTTPAddress  string
	LogLevel     string
	LogFormat    string
	DatabasePath string
	IndexDSN     string
	SeedFile     string
	Redis        RedisConfig
	Queue        QueueConfig
	Source       SourceConfig
	Blob         BlobConfig
	Auth         AuthConfig
	Sync         SyncConfig
}

// RedisConfig points the fingerprint window at Redis. An empty address keeps it in memory.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// QueueConfig selects the task queue.
type QueueConfig struct {
	Backend          string
	Concurrency      int
	NSQDAddress      string
	LookupdAddresses []string
	TopicPrefix      string
	Channel          string
	// HandleTimeout is how long a task may run without reporting progress.
	HandleTimeout time.Duration
}

// SourceConfig locates the upstream message source.
type SourceConfig struct {
	BaseURL   string
	StreamURL string
	Token     string
}

// BlobConfig selects media storage.
type BlobConfig struct {
	Backend        string
	Root           string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioSecure    bool
	PresignExpiry  time.Duration
}

// AuthConfig configures API bearer tokens.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
}

// SyncConfig tunes reconciliation.
type SyncConfig struct {
	PageSize          int64
	FailureThreshold  int
	StableAfter       time.Duration
	GapAssumeAfter    time.Duration
	FingerprintWindow time.Duration
	CommitTimeout     time.Duration
	CallTimeout       time.Duration
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	CommitWorkers     int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("queue.backend", defaultQueueBackend)
	configViper.SetDefault("queue.concurrency", defaultTaskConcurrency)
	configViper.SetDefault("queue.handle_timeout", defaultTaskLease)
	configViper.SetDefault("nsq.topic_prefix", defaultNSQTopicPrefix)
	configViper.SetDefault("nsq.channel", defaultNSQChannel)
	configViper.SetDefault("blob.backend", defaultBlobBackend)
	configViper.SetDefault("blob.root", defaultBlobRoot)
	configViper.SetDefault("minio.secure", true)
	configViper.SetDefault("minio.presign_expiry", defaultPresignExpiry)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl", defaultAuthTokenTTL)
	configViper.SetDefault("sync.page_size", defaultPageSize)
	configViper.SetDefault("sync.failure_threshold", defaultFailThreshold)
	configViper.SetDefault("sync.listener_stable_after", defaultStableAfter)
	configViper.SetDefault("sync.gap_assume_after", defaultGapAssumeAfter)
	configViper.SetDefault("sync.fingerprint_window", defaultFingerprintTTL)
	configViper.SetDefault("sync.commit_timeout", defaultCommitTimeout)
	configViper.SetDefault("sync.call_timeout", defaultCallTimeout)
	configViper.SetDefault("sync.retry_attempts", defaultRetryAttempts)
	configViper.SetDefault("sync.retry_base_delay", defaultRetryBaseDelay)
	configViper.SetDefault("sync.retry_max_delay", defaultRetryMaxDelay)
	configViper.SetDefault("sync.commit_workers", defaultCommitWorkers)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    configViper.GetString("log.format"),
		DatabasePath: configViper.GetString("database.path"),
		IndexDSN:     configViper.GetString("index.dsn"),
		SeedFile:     configViper.GetString("channels.seed_file"),
		Redis: RedisConfig{
			Address:  configViper.GetString("redis.address"),
			Password: configViper.GetString("redis.password"),
			DB:       configViper.GetInt("redis.db"),
		},
		Queue: QueueConfig{
			Backend:          strings.ToLower(strings.TrimSpace(configViper.GetString("queue.backend"))),
			Concurrency:      configViper.GetInt("queue.concurrency"),
			NSQDAddress:      configViper.GetString("nsq.nsqd_address"),
			LookupdAddresses: splitList(configViper.GetStringSlice("nsq.lookupd_addresses")),
			TopicPrefix:      configViper.GetString("nsq.topic_prefix"),
			Channel:          configViper.GetString("nsq.channel"),
			HandleTimeout:    configViper.GetDuration("queue.handle_timeout"),
		},
		Source: SourceConfig{
			BaseURL:   configViper.GetString("source.base_url"),
			StreamURL: configViper.GetString("source.stream_url"),
			Token:     configViper.GetString("source.token"),
		},
		Blob: BlobConfig{
			Backend:        strings.ToLower(strings.TrimSpace(configViper.GetString("blob.backend"))),
			Root:           configViper.GetString("blob.root"),
			MinioEndpoint:  configViper.GetString("minio.endpoint"),
			MinioAccessKey: configViper.GetString("minio.access_key"),
			MinioSecretKey: configViper.GetString("minio.secret_key"),
			MinioBucket:    configViper.GetString("minio.bucket"),
			MinioSecure:    configViper.GetBool("minio.secure"),
			PresignExpiry:  configViper.GetDuration("minio.presign_expiry"),
		},
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			Audience:      configViper.GetString("auth.audience"),
			TokenTTL:      configViper.GetDuration("auth.token_ttl"),
		},
		Sync: SyncConfig{
			PageSize:          configViper.GetInt64("sync.page_size"),
			FailureThreshold:  configViper.GetInt("sync.failure_threshold"),
			StableAfter:       configViper.GetDuration("sync.listener_stable_after"),
			GapAssumeAfter:    configViper.GetDuration("sync.gap_assume_after"),
			FingerprintWindow: configViper.GetDuration("sync.fingerprint_window"),
			CommitTimeout:     configViper.GetDuration("sync.commit_timeout"),
			CallTimeout:       configViper.GetDuration("sync.call_timeout"),
			RetryAttempts:     configViper.GetInt("sync.retry_attempts"),
			RetryBaseDelay:    configViper.GetDuration("sync.retry_base_delay"),
			RetryMaxDelay:     configViper.GetDuration("sync.retry_max_delay"),
			CommitWorkers:     configViper.GetInt("sync.commit_workers"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadAuth parses only the token settings, for commands that do not run the engine.
func LoadAuth(configViper *viper.Viper) (AuthConfig, error) {
	cfg := AuthConfig{
		SigningSecret: configViper.GetString("auth.signing_secret"),
		Issuer:        configViper.GetString("auth.issuer"),
		Audience:      configViper.GetString("auth.audience"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),
	}
	if err := cfg.validate(); err != nil {
		return AuthConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Source.BaseURL) == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if err := c.Auth.validate(); err != nil {
		return err
	}
	switch c.Queue.Backend {
	case QueueBackendMemory:
	case QueueBackendNSQ:
		if strings.TrimSpace(c.Queue.NSQDAddress) == "" {
			return fmt.Errorf("nsq.nsqd_address is required when queue.backend is nsq")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	switch c.Blob.Backend {
	case BlobBackendFile:
		if strings.TrimSpace(c.Blob.Root) == "" {
			return fmt.Errorf("blob.root is required when blob.backend is file")
		}
	case BlobBackendMinio:
		if strings.TrimSpace(c.Blob.MinioEndpoint) == "" || strings.TrimSpace(c.Blob.MinioBucket) == "" {
			return fmt.Errorf("minio.endpoint and minio.bucket are required when blob.backend is minio")
		}
	default:
		return fmt.Errorf("blob.backend %q is not supported", c.Blob.Backend)
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.Sync.FailureThreshold <= 0 {
		return fmt.Errorf("sync.failure_threshold must be positive")
	}
	if c.Queue.HandleTimeout <= 0 {
		return fmt.Errorf("queue.handle_timeout must be positive")
	}
	if c.Sync.RetryAttempts <= 0 {
		return fmt.Errorf("sync.retry_attempts must be positive")
	}
	return nil
}

func (c AuthConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated value.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
