package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingMongoURI 既没有环境变量也没有凭据文件时返回
var ErrMissingMongoURI = errors.New("config: mongodb connection string not configured")

type Config struct {
	AppPort  string
	LogLevel string

	// 两者都配置时 API 启用 Basic Auth
	BasicAuthUser string
	BasicAuthPass string

	// MongoURI 文档库连接串，来自 MONGODB_KEY 或 MONGODB_KEY_FILE 指向的明文文件
	MongoURI        string
	MongoDatabase   string
	MongoCollection string

	// 以下两个为空时对应功能关闭
	PostgresDSN string
	RedisAddr   string

	CronSpec string

	SearchBaseURL    string
	SpidersFile      string
	CrawlParallelism int
	CrawlDelay       time.Duration
	CrawlTimeout     time.Duration
	CrawlRetryMax    int
	SeenTTL          time.Duration
}

func Load() (*Config, error) {
	// .env 不存在时忽略，环境变量优先
	_ = godotenv.Load()

	cfg := &Config{
		AppPort:          getEnv("APP_PORT", "9000"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		BasicAuthUser:    os.Getenv("APP_BASIC_USER"),
		BasicAuthPass:    os.Getenv("APP_BASIC_PASS"),
		MongoDatabase:    getEnv("MONGO_DATABASE", "My_Database"),
		MongoCollection:  getEnv("MONGO_COLLECTION", "Economist"),
		PostgresDSN:      os.Getenv("POSTGRES_DSN"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		CronSpec:         getEnv("CRON_SPEC", "0 */6 * * *"),
		SearchBaseURL:    getEnv("SEARCH_BASE_URL", "https://www.economist.com/search"),
		SpidersFile:      os.Getenv("SPIDERS_FILE"),
		CrawlParallelism: getEnvInt("CRAWL_PARALLELISM", 2),
		CrawlDelay:       getEnvDuration("CRAWL_DELAY", time.Second),
		CrawlTimeout:     getEnvDuration("CRAWL_TIMEOUT", 15*time.Second),
		CrawlRetryMax:    getEnvInt("CRAWL_RETRY_MAX", 2),
		SeenTTL:          getEnvDuration("SEEN_TTL", 30*24*time.Hour),
	}

	uri, err := mongoURI()
	if err != nil {
		return nil, err
	}
	cfg.MongoURI = uri

	return cfg, nil
}

// SpidersFile 只取爬虫定义文件路径，同样读取 .env，但不要求数据库配置
func SpidersFile() string {
	_ = godotenv.Load()
	return os.Getenv("SPIDERS_FILE")
}

// mongoURI 依次读取 MONGODB_KEY、旧名 Mongodb_key，最后是凭据文件
func mongoURI() (string, error) {
	if v := getEnv("MONGODB_KEY", os.Getenv("Mongodb_key")); v != "" {
		return v, nil
	}
	path := os.Getenv("MONGODB_KEY_FILE")
	if path == "" {
		return "", ErrMissingMongoURI
	}
	return readCredentialFile(path)
}

// readCredentialFile 读取明文凭据文件，取第一行非空内容
func readCredentialFile(path string) (string, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: read credential file: %w", err)
	}
	for _, line := range strings.Split(string(bs), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line, nil
		}
	}
	return "", fmt.Errorf("config: credential file %s is empty: %w", path, ErrMissingMongoURI)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Now returns current time, 方便后续做可测试封装
func Now() time.Time {
	return time.Now()
}
