package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
)

// storeNamePattern 与 cache 包的命名规则保持一致，名称会直接作为目录名或 Redis key 片段。
var storeNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var supportedDrivers = map[string]struct{}{
	StorageDriverFS:     {},
	StorageDriverMemory: {},
	StorageDriverRedis:  {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if err := validateUpstream(g.Upstream); err != nil {
		return fmt.Errorf("Global.Upstream: %w", err)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxObjectSize < 0 {
		return newFieldError("Global.MaxObjectSize", "不能为负数")
	}

	cc := c.Cache
	if cc.CacheName == "" {
		return newFieldError("Cache.CacheName", "不能为空")
	}
	if !storeNamePattern.MatchString(cc.StoreName()) {
		return newFieldError("Cache.CacheName", "仅允许字母、数字、点、下划线与连字符")
	}
	if cc.MaxEntries <= 0 {
		return newFieldError("Cache.MaxEntries", "必须大于 0")
	}
	if cc.PruneBuffer < 0 {
		return newFieldError("Cache.PruneBuffer", "不能为负数")
	}
	if cc.WarmConcurrency <= 0 {
		return newFieldError("Cache.WarmConcurrency", "必须大于 0")
	}
	if _, ok := supportedDrivers[cc.StorageDriver]; !ok {
		return newFieldError("Cache.StorageDriver", "仅支持 fs|memory|redis")
	}

	switch cc.StorageDriver {
	case StorageDriverFS:
		if cc.StoragePath == "" {
			return newFieldError("Cache.StoragePath", "fs 驱动下不能为空")
		}
	case StorageDriverMemory:
		if cc.MemoryCapacity < cc.MaxEntries+cc.PruneBuffer {
			return newFieldError("Cache.MemoryCapacity", "不能小于 MaxEntries + PruneBuffer")
		}
	case StorageDriverRedis:
		if c.Redis.Addr == "" {
			return newFieldError(sectionField("Redis", "Addr"), "redis 驱动下不能为空")
		}
		if c.Redis.DB < 0 {
			return newFieldError(sectionField("Redis", "DB"), "不能为负数")
		}
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// PruneThreshold 返回触发淘汰的条目数上限（MaxEntries + PruneBuffer）。
func (c CacheConfig) PruneThreshold() int {
	return c.MaxEntries + c.PruneBuffer
}
