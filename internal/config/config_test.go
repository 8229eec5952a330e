package config

import (
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("UpstreamTimeout 解析错误: %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Cache.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.ListenPort == 0 {
		t.Fatalf("ListenPort 应当被解析")
	}
	if cfg.Global.MaxObjectSize == 0 {
		t.Fatalf("MaxObjectSize 应该自动填充默认值")
	}
	if got := cfg.Cache.StoreName(); got != "anime-images-v6" {
		t.Fatalf("StoreName 期望 anime-images-v6，得到 %s", got)
	}
	if cfg.Cache.PruneThreshold() != 325 {
		t.Fatalf("PruneThreshold 期望 325，得到 %d", cfg.Cache.PruneThreshold())
	}
}

func TestLoadRedisSection(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "redis.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Redis.Addr != "127.0.0.1:6379" || cfg.Redis.DB != 2 {
		t.Fatalf("Redis 字段解析错误: %+v", cfg.Redis)
	}
	if cfg.Redis.Prefix != "image-hub:" {
		t.Fatalf("Redis.Prefix 应有默认值，得到 %q", cfg.Redis.Prefix)
	}
	if cfg.Cache.MaxEntries != DefaultMaxEntries || cfg.Cache.PruneBuffer != DefaultPruneBuffer {
		t.Fatalf("容量默认值错误: %+v", cfg.Cache)
	}
	if cfg.Cache.WarmConcurrency != DefaultWarmConcurrency {
		t.Fatalf("WarmConcurrency 默认值错误: %d", cfg.Cache.WarmConcurrency)
	}
}

func TestValidateRejectsMissingUpstream(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("缺少 Upstream 的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestStorageDriverValidation(t *testing.T) {
	testCases := []struct {
		name      string
		driver    string
		mutate    func(*Config)
		shouldErr bool
	}{
		{"fs ok", StorageDriverFS, nil, false},
		{"memory ok", StorageDriverMemory, nil, false},
		{"memory capacity too small", StorageDriverMemory, func(c *Config) { c.Cache.MemoryCapacity = 10 }, true},
		{"redis requires addr", StorageDriverRedis, nil, true},
		{"redis ok", StorageDriverRedis, func(c *Config) { c.Redis.Addr = "localhost:6379" }, false},
		{"unsupported driver", "s3", nil, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Cache.StorageDriver = tc.driver
			if tc.mutate != nil {
				tc.mutate(cfg)
			}
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for driver %q", tc.driver)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for driver %q: %v", tc.driver, err)
			}
		})
	}
}

func TestValidateRejectsUnsafeStoreName(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.CacheName = "../escape"
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("包含路径分隔符的缓存名应报错")
	}
	if fieldErr, ok := err.(FieldError); !ok || fieldErr.Field != "Cache.CacheName" {
		t.Fatalf("期望 Cache.CacheName 字段错误，得到 %v", err)
	}
}

func TestStoreNameWithoutVersion(t *testing.T) {
	cc := CacheConfig{CacheName: "thumbs"}
	if cc.StoreName() != "thumbs" {
		t.Fatalf("未设置版本时应直接使用 CacheName，得到 %s", cc.StoreName())
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			Upstream:        "https://img.anime.local",
			UpstreamTimeout: Duration(time.Second),
			MaxObjectSize:   1024,
		},
		Cache: CacheConfig{
			CacheName:       "anime-images",
			CacheVersion:    "v6",
			MaxEntries:      300,
			PruneBuffer:     25,
			WarmConcurrency: 6,
			StorageDriver:   StorageDriverFS,
			StoragePath:     "./data",
			MemoryCapacity:  1000,
		},
	}
}
