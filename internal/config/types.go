package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的存储驱动。
const (
	StorageDriverFS     = "fs"
	StorageDriverMemory = "memory"
	StorageDriverRedis  = "redis"
)

// GlobalConfig 描述进程级行为：监听、日志、上游与缓存容量。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	Upstream        string   `mapstructure:"Upstream"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	MaxObjectSize   int64    `mapstructure:"MaxObjectSize"`
}

// CacheConfig 决定当前缓存实例的名称、版本与容量阈值。
type CacheConfig struct {
	CacheName       string `mapstructure:"CacheName"`
	CacheVersion    string `mapstructure:"CacheVersion"`
	MaxEntries      int    `mapstructure:"MaxEntries"`
	PruneBuffer     int    `mapstructure:"PruneBuffer"`
	WarmConcurrency int    `mapstructure:"WarmConcurrency"`
	StorageDriver   string `mapstructure:"StorageDriver"`
	StoragePath     string `mapstructure:"StoragePath"`
	MemoryCapacity  int    `mapstructure:"MemoryCapacity"`
}

// RedisConfig 仅在 StorageDriver = "redis" 时生效。
type RedisConfig struct {
	Addr     string `mapstructure:"Addr"`
	Password string `mapstructure:"Password"`
	DB       int    `mapstructure:"DB"`
	Prefix   string `mapstructure:"Prefix"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:",squash"`
	Redis  RedisConfig  `mapstructure:"Redis"`
}

// StoreName 返回带版本号的当前缓存名，例如 anime-images-v6。
// 修改 CacheVersion 即可整体废弃旧缓存。
func (c CacheConfig) StoreName() string {
	name := strings.TrimSpace(c.CacheName)
	version := strings.TrimSpace(c.CacheVersion)
	if version == "" {
		return name
	}
	return name + "-" + version
}

// Summary 输出启动日志使用的缓存摘要，例如 fs:anime-images-v6。
func (c CacheConfig) Summary() string {
	return fmt.Sprintf("%s:%s", c.StorageDriver, c.StoreName())
}
