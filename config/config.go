package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Recording RecordingConfig
	Bunny     BunnyConfig
	Proxy     ProxyConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RecordingConfig holds capture engine settings.
type RecordingConfig struct {
	FFmpegPath      string
	FFprobePath     string
	VideoDir        string // final storage for recordings
	TempDir         string // working directory while capturing
	ThumbnailDir    string
	MaxConcurrent   int
	DefaultDuration int   // seconds
	MaxDuration     int   // seconds; requests above this are clamped
	MinDiskBytes    int64 // refuse to start below this free space
	MinFileBytes    int64 // finalized files below this are rejected
	DefaultQuality  string
	MonitorInterval time.Duration
	KeepLocalFiles  bool // default retention policy after a successful upload
	SkipSourceCheck bool // dev only: bypass the camera reachability probe
}

// BunnyConfig holds Bunny Stream CDN settings.
type BunnyConfig struct {
	APIKey        string
	LibraryID     string
	CDNHostname   string
	MaxRetries    int
	RetryDelay    time.Duration // base for exponential backoff
	Workers       int
	UploadTimeout time.Duration
}

// ProxyConfig holds per-court camera relay settings.
type ProxyConfig struct {
	Enabled      bool
	BasePort     int
	MaxCourts    int
	PublicHost   string
	ReleaseGrace time.Duration
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Configured reports whether the Bunny credentials are usable.
func (c BunnyConfig) Configured() bool {
	return c.APIKey != "" && c.LibraryID != "" && strings.Contains(c.CDNHostname, ".")
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "spovio"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Recording: RecordingConfig{
			FFmpegPath:      getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:     getEnv("FFPROBE_PATH", "ffprobe"),
			VideoDir:        getEnv("RECORDING_VIDEO_DIR", "static/videos"),
			TempDir:         getEnv("RECORDING_TEMP_DIR", "temp_recordings"),
			ThumbnailDir:    getEnv("RECORDING_THUMBNAIL_DIR", "static/thumbnails"),
			MaxConcurrent:   getEnvInt("MAX_CONCURRENT_RECORDINGS", 5),
			DefaultDuration: getEnvInt("DEFAULT_RECORDING_DURATION_SEC", 3600),
			MaxDuration:     getEnvInt("MAX_RECORDING_DURATION_SEC", 7200),
			MinDiskBytes:    getEnvInt64("MIN_DISK_SPACE_BYTES", 2<<30),
			MinFileBytes:    getEnvInt64("MIN_RECORDING_FILE_BYTES", 1<<20),
			DefaultQuality:  getEnv("DEFAULT_RECORDING_QUALITY", "medium"),
			MonitorInterval: time.Duration(getEnvInt("RECORDING_MONITOR_INTERVAL_SEC", 3)) * time.Second,
			KeepLocalFiles:  getEnvBool("RECORDING_KEEP_LOCAL_FILES", true),
			SkipSourceCheck: getEnvBool("RECORDING_SKIP_SOURCE_CHECK", false),
		},
		Bunny: BunnyConfig{
			APIKey:        getEnv("BUNNY_API_KEY", ""),
			LibraryID:     getEnv("BUNNY_LIBRARY_ID", ""),
			CDNHostname:   getEnv("BUNNY_CDN_HOSTNAME", ""),
			MaxRetries:    getEnvInt("BUNNY_UPLOAD_MAX_RETRIES", 3),
			RetryDelay:    time.Duration(getEnvInt("BUNNY_UPLOAD_RETRY_DELAY_SEC", 5)) * time.Second,
			Workers:       getEnvInt("BUNNY_UPLOAD_WORKERS", 2),
			UploadTimeout: time.Duration(getEnvInt("BUNNY_UPLOAD_TIMEOUT_SEC", 300)) * time.Second,
		},
		Proxy: ProxyConfig{
			Enabled:      getEnvBool("CAMERA_PROXY_ENABLED", false),
			BasePort:     getEnvInt("CAMERA_PROXY_BASE_PORT", 9000),
			MaxCourts:    getEnvInt("CAMERA_PROXY_MAX_COURTS", 32),
			PublicHost:   getEnv("CAMERA_PROXY_PUBLIC_HOST", "127.0.0.1"),
			ReleaseGrace: time.Duration(getEnvInt("CAMERA_PROXY_RELEASE_GRACE_SEC", 30)) * time.Second,
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
