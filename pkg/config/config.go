package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Fail policies applied while the scanner circuit breaker is open.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database   DatabaseConfig
	Redis      RedisConfig
	CORS       CORSConfig
	Log        LogConfig
	Quarantine QuarantineConfig
	Scanner    ScannerConfig
	Validation ValidationConfig
	Storage    StorageConfig
	Optimizer  OptimizerConfig
	Cleanup    CleanupConfig
	Dispatcher DispatcherConfig
	Workers    WorkersConfig
	Profiles   []ProfileConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// QuarantineConfig bounds the staging area for unvalidated uploads.
type QuarantineConfig struct {
	Dir         string
	MaxSize     int64
	PendingTTL  time.Duration
	FailedTTL   time.Duration
	PruneEvery  time.Duration
	SidecarExt  string
	TempPattern string
}

// ScannerConfig configures the external scan engines and their circuit breaker.
type ScannerConfig struct {
	Engines         []string
	Timeout         time.Duration
	MaxFailures     int
	FailureDecay    time.Duration
	FailPolicy      string
	ClamBinary      string
	BinaryAllowlist []string
	ScanPrefixBytes int
}

// ValidationConfig bounds image validation.
type ValidationConfig struct {
	AllowedMIMEs       []string
	BombRatioThreshold float64
	MinDimension       int
	MaxMegapixels      int
}

// StorageConfig declares the available disks.
type StorageConfig struct {
	LocalRoot   string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3KeyPrefix string
}

// OptimizerConfig bounds the post-processing job.
type OptimizerConfig struct {
	MaxWait          time.Duration
	CheckInterval    time.Duration
	MaxReleases      int
	LockTTL          time.Duration
	OverlapTTL       time.Duration
	SavingsThreshold float64
	MaxTempFileSize  int64
	JPEGQuality      int
}

// CleanupConfig bounds cleanup-state retention and the sweep loop.
type CleanupConfig struct {
	StateTTL   time.Duration
	FlushEvery time.Duration
}

// DispatcherConfig tunes the coalescing last-writer-wins dispatcher.
type DispatcherConfig struct {
	PointerTTL    time.Duration
	LockTTL       time.Duration
	MaxIterations int
}

// WorkersConfig sizes the background queues.
type WorkersConfig struct {
	UploadConcurrency   int
	ConvertConcurrency  int
	OptimizeConcurrency int
	MaxRetries          int
	RetryDelay          time.Duration
}

// ProfileConfig describes one upload profile (avatar, gallery, ...). Profiles
// share the pipeline with different parameters.
type ProfileConfig struct {
	Name        string
	Collection  string
	Disk        string
	MaxSize     int64
	Conversions []ConversionConfig
	RequireScan bool
	SingleFile  bool
}

// ConversionConfig names one derived image variant.
type ConversionConfig struct {
	Name   string
	Width  int
	Height int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Quarantine = QuarantineConfig{
		Dir:         v.GetString("QUARANTINE_DIR"),
		MaxSize:     v.GetInt64("QUARANTINE_MAX_SIZE"),
		PendingTTL:  parseDuration(v.GetString("QUARANTINE_PENDING_TTL"), 24*time.Hour),
		FailedTTL:   parseDuration(v.GetString("QUARANTINE_FAILED_TTL"), 4*time.Hour),
		PruneEvery:  parseDuration(v.GetString("QUARANTINE_PRUNE_INTERVAL"), time.Hour),
		SidecarExt:  ".meta.json",
		TempPattern: ".tmp-*",
	}

	failPolicy := v.GetString("SCANNER_FAIL_POLICY")
	if failPolicy == "" {
		// Production fails closed; development fails open so a missing clamd
		// does not block local work.
		if cfg.Env == EnvProduction {
			failPolicy = FailClosed
		} else {
			failPolicy = FailOpen
		}
	}
	cfg.Scanner = ScannerConfig{
		Engines:         splitAndTrim(v.GetString("SCANNER_ENGINES")),
		Timeout:         parseDuration(v.GetString("SCANNER_TIMEOUT"), 30*time.Second),
		MaxFailures:     v.GetInt("SCANNER_MAX_FAILURES"),
		FailureDecay:    parseDuration(v.GetString("SCANNER_FAILURE_DECAY"), 10*time.Minute),
		FailPolicy:      failPolicy,
		ClamBinary:      v.GetString("SCANNER_CLAM_BINARY"),
		BinaryAllowlist: splitAndTrim(v.GetString("SCANNER_BINARY_ALLOWLIST")),
		ScanPrefixBytes: v.GetInt("SCANNER_PREFIX_BYTES"),
	}

	cfg.Validation = ValidationConfig{
		AllowedMIMEs:       splitAndTrim(v.GetString("UPLOAD_ALLOWED_MIME_TYPES")),
		BombRatioThreshold: v.GetFloat64("UPLOAD_BOMB_RATIO_THRESHOLD"),
		MinDimension:       v.GetInt("UPLOAD_MIN_DIMENSION"),
		MaxMegapixels:      v.GetInt("UPLOAD_MAX_MEGAPIXELS"),
	}

	cfg.Storage = StorageConfig{
		LocalRoot:   v.GetString("STORAGE_LOCAL_ROOT"),
		S3Bucket:    v.GetString("STORAGE_S3_BUCKET"),
		S3Region:    v.GetString("STORAGE_S3_REGION"),
		S3Endpoint:  v.GetString("STORAGE_S3_ENDPOINT"),
		S3KeyPrefix: v.GetString("STORAGE_S3_KEY_PREFIX"),
	}

	cfg.Optimizer = OptimizerConfig{
		MaxWait:          parseDuration(v.GetString("OPTIMIZER_MAX_WAIT"), 5*time.Minute),
		CheckInterval:    parseDuration(v.GetString("OPTIMIZER_CHECK_INTERVAL"), 10*time.Second),
		MaxReleases:      v.GetInt("OPTIMIZER_MAX_RELEASES"),
		LockTTL:          parseDuration(v.GetString("OPTIMIZER_LOCK_TTL"), 10*time.Minute),
		OverlapTTL:       parseDuration(v.GetString("OPTIMIZER_OVERLAP_TTL"), 2*time.Minute),
		SavingsThreshold: v.GetFloat64("OPTIMIZER_SAVINGS_THRESHOLD"),
		MaxTempFileSize:  v.GetInt64("OPTIMIZER_MAX_TEMP_FILE_SIZE"),
		JPEGQuality:      v.GetInt("OPTIMIZER_JPEG_QUALITY"),
	}

	cfg.Cleanup = CleanupConfig{
		StateTTL:   parseDuration(v.GetString("CLEANUP_STATE_TTL"), 48*time.Hour),
		FlushEvery: parseDuration(v.GetString("CLEANUP_FLUSH_INTERVAL"), 15*time.Minute),
	}

	cfg.Dispatcher = DispatcherConfig{
		PointerTTL:    parseDuration(v.GetString("DISPATCH_POINTER_TTL"), time.Minute),
		LockTTL:       parseDuration(v.GetString("DISPATCH_LOCK_TTL"), 30*time.Second),
		MaxIterations: v.GetInt("DISPATCH_MAX_ITERATIONS"),
	}

	cfg.Workers = WorkersConfig{
		UploadConcurrency:   v.GetInt("WORKERS_UPLOAD_CONCURRENCY"),
		ConvertConcurrency:  v.GetInt("WORKERS_CONVERT_CONCURRENCY"),
		OptimizeConcurrency: v.GetInt("WORKERS_OPTIMIZE_CONCURRENCY"),
		MaxRetries:          v.GetInt("WORKERS_MAX_RETRIES"),
		RetryDelay:          parseDuration(v.GetString("WORKERS_RETRY_DELAY"), 5*time.Second),
	}

	cfg.Profiles = defaultProfiles(v)

	return cfg, nil
}

func defaultProfiles(v *viper.Viper) []ProfileConfig {
	avatarMax := v.GetInt64("PROFILE_AVATAR_MAX_SIZE")
	galleryMax := v.GetInt64("PROFILE_GALLERY_MAX_SIZE")
	return []ProfileConfig{
		{
			Name:       "avatar",
			Collection: "avatar",
			Disk:       v.GetString("PROFILE_AVATAR_DISK"),
			MaxSize:    avatarMax,
			Conversions: []ConversionConfig{
				{Name: "thumb", Width: 128, Height: 128},
				{Name: "medium", Width: 512, Height: 512},
			},
			RequireScan: true,
			SingleFile:  true,
		},
		{
			Name:       "gallery",
			Collection: "gallery",
			Disk:       v.GetString("PROFILE_GALLERY_DISK"),
			MaxSize:    galleryMax,
			Conversions: []ConversionConfig{
				{Name: "thumb", Width: 256, Height: 256},
				{Name: "preview", Width: 1024, Height: 1024},
			},
			RequireScan: true,
			SingleFile:  false,
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "media_vault")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("QUARANTINE_DIR", "./quarantine")
	v.SetDefault("QUARANTINE_MAX_SIZE", 50*1024*1024)
	v.SetDefault("QUARANTINE_PENDING_TTL", "24h")
	v.SetDefault("QUARANTINE_FAILED_TTL", "4h")
	v.SetDefault("QUARANTINE_PRUNE_INTERVAL", "1h")

	v.SetDefault("SCANNER_ENGINES", "clamav,pattern")
	v.SetDefault("SCANNER_TIMEOUT", "30s")
	v.SetDefault("SCANNER_MAX_FAILURES", 5)
	v.SetDefault("SCANNER_FAILURE_DECAY", "10m")
	v.SetDefault("SCANNER_FAIL_POLICY", "")
	v.SetDefault("SCANNER_CLAM_BINARY", "/usr/bin/clamdscan")
	v.SetDefault("SCANNER_BINARY_ALLOWLIST", "/usr/bin/clamdscan,/usr/bin/clamscan")
	v.SetDefault("SCANNER_PREFIX_BYTES", 50*1024)

	v.SetDefault("UPLOAD_ALLOWED_MIME_TYPES", "image/jpeg,image/png,image/gif,image/webp")
	v.SetDefault("UPLOAD_BOMB_RATIO_THRESHOLD", 300.0)
	v.SetDefault("UPLOAD_MIN_DIMENSION", 32)
	v.SetDefault("UPLOAD_MAX_MEGAPIXELS", 64)

	v.SetDefault("STORAGE_LOCAL_ROOT", "./media")
	v.SetDefault("STORAGE_S3_BUCKET", "")
	v.SetDefault("STORAGE_S3_REGION", "us-east-1")
	v.SetDefault("STORAGE_S3_ENDPOINT", "")
	v.SetDefault("STORAGE_S3_KEY_PREFIX", "")

	v.SetDefault("OPTIMIZER_MAX_WAIT", "5m")
	v.SetDefault("OPTIMIZER_CHECK_INTERVAL", "10s")
	v.SetDefault("OPTIMIZER_MAX_RELEASES", 30)
	v.SetDefault("OPTIMIZER_LOCK_TTL", "10m")
	v.SetDefault("OPTIMIZER_OVERLAP_TTL", "2m")
	v.SetDefault("OPTIMIZER_SAVINGS_THRESHOLD", 0.05)
	v.SetDefault("OPTIMIZER_MAX_TEMP_FILE_SIZE", 100*1024*1024)
	v.SetDefault("OPTIMIZER_JPEG_QUALITY", 85)

	v.SetDefault("CLEANUP_STATE_TTL", "48h")
	v.SetDefault("CLEANUP_FLUSH_INTERVAL", "15m")

	v.SetDefault("DISPATCH_POINTER_TTL", "1m")
	v.SetDefault("DISPATCH_LOCK_TTL", "30s")
	v.SetDefault("DISPATCH_MAX_ITERATIONS", 10)

	v.SetDefault("WORKERS_UPLOAD_CONCURRENCY", 2)
	v.SetDefault("WORKERS_CONVERT_CONCURRENCY", 2)
	v.SetDefault("WORKERS_OPTIMIZE_CONCURRENCY", 1)
	v.SetDefault("WORKERS_MAX_RETRIES", 3)
	v.SetDefault("WORKERS_RETRY_DELAY", "5s")

	v.SetDefault("PROFILE_AVATAR_DISK", "local")
	v.SetDefault("PROFILE_AVATAR_MAX_SIZE", 5*1024*1024)
	v.SetDefault("PROFILE_GALLERY_DISK", "local")
	v.SetDefault("PROFILE_GALLERY_MAX_SIZE", 25*1024*1024)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// ProfileByName returns the named upload profile.
func (c *Config) ProfileByName(name string) (ProfileConfig, bool) {
	for _, p := range c.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return ProfileConfig{}, false
}
