package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ClusterStatic = "static"
	ClusterEtcd   = "etcd"

	EnvEtcdEndpoints = "ETCD_ENDPOINTS"
)

type Peer struct {
	Target  uint16 `yaml:"target"`
	NodeID  string `yaml:"node_id"`
	Address string `yaml:"address"`
}

type Group struct {
	ID        uint16 `yaml:"id"`
	Primary   uint16 `yaml:"primary"`
	Secondary uint16 `yaml:"secondary"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type Config struct {
	NodeID     string `yaml:"node_id"`
	Target     uint16 `yaml:"target"`
	ListenAddr string `yaml:"listen_addr"`
	HTTPAddr   string `yaml:"http_addr"`
	DataDir    string `yaml:"data_dir"`

	Log struct {
		Dir   string `yaml:"dir"`
		Level string `yaml:"level"`
	} `yaml:"log"`

	Cluster struct {
		Mode          string        `yaml:"mode"`
		EtcdEndpoints []string      `yaml:"etcd_endpoints"`
		Peers         []Peer        `yaml:"peers"`
		Groups        []Group       `yaml:"groups"`
		Heartbeat     time.Duration `yaml:"heartbeat_interval"`
		OfflineAfter  time.Duration `yaml:"offline_after"`
	} `yaml:"cluster"`

	Mirror struct {
		ForwardTimeout time.Duration `yaml:"forward_timeout"`
		Workers        int           `yaml:"workers"`
	} `yaml:"mirror"`

	Retry RetryConfig `yaml:"retry"`
}

func Default() *Config {
	c := &Config{
		NodeID:     "node-1",
		Target:     1,
		ListenAddr: "127.0.0.1:9001",
		HTTPAddr:   "127.0.0.1:8081",
		DataDir:    "./run",
	}
	c.Log.Level = "INFO"
	c.Cluster.Mode = ClusterStatic
	c.Cluster.EtcdEndpoints = []string{"127.0.0.1:2379"}
	c.Cluster.Heartbeat = time.Second
	c.Cluster.OfflineAfter = 5 * time.Second
	c.Mirror.ForwardTimeout = 5 * time.Second
	c.Mirror.Workers = 64
	c.Retry = RetryConfig{MaxAttempts: 8, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}
	return c
}

// Load reads path over the defaults. An empty path yields the defaults. The
// ETCD_ENDPOINTS environment variable wins over the file.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
		}
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	env := os.Getenv(EnvEtcdEndpoints)
	if env == "" {
		return
	}
	endpoints := strings.Split(env, ",")
	for i, endpoint := range endpoints {
		endpoints[i] = strings.TrimSpace(endpoint)
	}
	c.Cluster.EtcdEndpoints = endpoints
}

func (c *Config) LogDir() string {
	if c.Log.Dir != "" {
		return c.Log.Dir
	}
	return c.DataDir + "/logs"
}

func (c *Config) StatePath() string {
	return c.DataDir + "/" + c.NodeID + "-targets.yaml"
}

func (c *Config) Validate() error {
	switch {
	case c.NodeID == "":
		return fmt.Errorf("%w: node_id is required", ErrInvalid)
	case c.Target == 0:
		return fmt.Errorf("%w: target must be non-zero", ErrInvalid)
	case c.ListenAddr == "":
		return fmt.Errorf("%w: listen_addr is required", ErrInvalid)
	case c.Cluster.Heartbeat <= 0:
		return fmt.Errorf("%w: heartbeat_interval must be positive", ErrInvalid)
	case c.Cluster.OfflineAfter < c.Cluster.Heartbeat:
		return fmt.Errorf("%w: offline_after must not be shorter than heartbeat_interval", ErrInvalid)
	case c.Mirror.ForwardTimeout <= 0:
		return fmt.Errorf("%w: forward_timeout must be positive", ErrInvalid)
	case c.Mirror.Workers <= 0:
		return fmt.Errorf("%w: workers must be positive", ErrInvalid)
	case c.Retry.MaxAttempts <= 0 || c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay:
		return fmt.Errorf("%w: retry policy needs max_attempts > 0 and 0 < base_delay <= max_delay", ErrInvalid)
	}

	switch c.Cluster.Mode {
	case ClusterEtcd:
		if len(c.Cluster.EtcdEndpoints) == 0 {
			return fmt.Errorf("%w: etcd mode needs etcd_endpoints", ErrInvalid)
		}
	case ClusterStatic:
	default:
		return fmt.Errorf("%w: unknown cluster mode %q", ErrInvalid, c.Cluster.Mode)
	}

	seen := make(map[uint16]bool, len(c.Cluster.Peers))
	for _, p := range c.Cluster.Peers {
		if p.Target == 0 || p.Address == "" {
			return fmt.Errorf("%w: peer needs target and address", ErrInvalid)
		}
		if seen[p.Target] {
			return fmt.Errorf("%w: duplicate peer target %d", ErrInvalid, p.Target)
		}
		seen[p.Target] = true
	}
	return nil
}
