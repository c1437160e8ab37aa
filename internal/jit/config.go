// config.go - 运行时配置
//
// 配置从 TOML 加载。所有字段都有可用的默认值，
// 配置文件只需要覆盖想改的项。

package jit

import (
	"os"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tangzhangming/forge/internal/errs"
)

// 默认值
const (
	DefaultZoneBlockSize = 64 * 1024
)

// Config 运行时配置
type Config struct {
	// ZoneBlockSize 图构建用的区块分配器块大小（字节）
	ZoneBlockSize int `toml:"zone_block_size"`

	// ZoneLimit 区块分配器上限（字节），0 表示不限
	ZoneLimit int `toml:"zone_limit"`

	// CacheEnabled 按内容哈希去重已装载的镜像
	CacheEnabled bool `toml:"cache_enabled"`

	// AllowRWX 允许一步映射可写可执行内存
	// 默认走 W^X：先写后改保护。只在不支持 mprotect
	// 的受限环境下打开
	AllowRWX bool `toml:"allow_rwx"`

	// LogLevel 诊断日志级别（debug/info/warn/error），
	// 空字符串表示不输出日志
	LogLevel string `toml:"log_level"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		ZoneBlockSize: DefaultZoneBlockSize,
		CacheEnabled:  true,
	}
}

// LoadConfig 从 TOML 文件加载配置
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Configf(errs.J0104, "cannot read config %s: %v", path, err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errs.Configf(errs.J0104, "cannot parse config %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置的一致性
func (c *Config) Validate() error {
	if c.ZoneBlockSize < 0 {
		return errs.Configf(errs.J0104, "zone_block_size must not be negative: %d", c.ZoneBlockSize)
	}
	if c.ZoneLimit < 0 {
		return errs.Configf(errs.J0104, "zone_limit must not be negative: %d", c.ZoneLimit)
	}
	if c.ZoneLimit > 0 && c.ZoneBlockSize > c.ZoneLimit {
		return errs.Configf(errs.J0104, "zone_block_size %d exceeds zone_limit %d",
			c.ZoneBlockSize, c.ZoneLimit)
	}
	if c.LogLevel != "" {
		if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
			return errs.Configf(errs.J0104, "unknown log_level %q", c.LogLevel)
		}
	}
	return nil
}

// Logger 按配置构建日志器。级别为空时返回 Nop
func (c *Config) Logger() (*zap.Logger, error) {
	if c.LogLevel == "" {
		return zap.NewNop(), nil
	}
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errs.Configf(errs.J0104, "unknown log_level %q", c.LogLevel)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
