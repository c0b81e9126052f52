package config

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type EtcdConfig struct {
	Endpoints     []string `yaml:"endpoints"`
	DialTimeoutMs int      `yaml:"dialTimeoutMs"`
	Prefix        string   `yaml:"prefix"`
}

// 加锁方式
const (
	LockLocal = "local" // 进程内，单实例部署
	LockEtcd  = "etcd"  // 多个 coordinator 共享一个 etcd
	LockNone  = "none"  // 不串行化
)

type CoordinatorConfig struct {
	// local | etcd | none
	LockMode          string `yaml:"lockMode"`
	LockTTLSeconds    int    `yaml:"lockTTLSeconds"`
	OnlineWindowHours int    `yaml:"onlineWindowHours"`
	AllowPastJobs     bool   `yaml:"allowPastJobs"`
	// memory 只用于本地调试，重启后数据丢失
	Store string `yaml:"store"`
}

type AgentConfig struct {
	SensorName     string `yaml:"sensorName"`
	CoordinatorURL string `yaml:"coordinatorURL"`
	IntervalMs     int    `yaml:"intervalMs"`
	TimeoutMs      int    `yaml:"timeoutMs"`
	LocationLat    string `yaml:"locationLat"`
	LocationLon    string `yaml:"locationLon"`
}

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Etcd        EtcdConfig        `yaml:"etcd"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Agent       AgentConfig       `yaml:"agent"`
}

// Default 没有配置文件时使用的值
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Etcd: EtcdConfig{
			Endpoints:     []string{"localhost:2379"},
			DialTimeoutMs: 5000,
			Prefix:        "/discosat/",
		},
		Coordinator: CoordinatorConfig{
			LockMode:          LockLocal,
			LockTTLSeconds:    10,
			OnlineWindowHours: 24,
			Store:             "etcd",
		},
		Agent: AgentConfig{
			CoordinatorURL: "http://localhost:8080",
			IntervalMs:     30000,
			TimeoutMs:      5000,
		},
	}
}

// Parse 在默认值之上解析 YAML，文件里没写的字段保持默认
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Coordinator.LockMode {
	case LockLocal, LockEtcd, LockNone:
	default:
		return fmt.Errorf("invalid coordinator.lockMode %q (expected local|etcd|none)", c.Coordinator.LockMode)
	}
	switch c.Coordinator.Store {
	case "etcd", "memory":
	default:
		return fmt.Errorf("invalid coordinator.store %q (expected etcd|memory)", c.Coordinator.Store)
	}
	if c.Coordinator.LockMode == LockEtcd && c.Coordinator.Store != "etcd" {
		return fmt.Errorf("lockMode etcd requires the etcd store")
	}
	if c.Coordinator.Store == "etcd" && len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd.endpoints is empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}

// Load 读取配置文件，失败直接退出。path 为空时使用默认配置。
func Load(path string) *Config {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func (e EtcdConfig) DialTimeout() time.Duration {
	return time.Duration(e.DialTimeoutMs) * time.Millisecond
}

func (c CoordinatorConfig) OnlineWindow() time.Duration {
	return time.Duration(c.OnlineWindowHours) * time.Hour
}

func (c CoordinatorConfig) LockTTL() int {
	if c.LockTTLSeconds <= 0 {
		return 10
	}
	return c.LockTTLSeconds
}

func (a AgentConfig) Interval() time.Duration {
	return time.Duration(a.IntervalMs) * time.Millisecond
}

func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
