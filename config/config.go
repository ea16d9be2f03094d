// Package config loads the service configuration from a YAML file. Pool
// records live here; the driver re-reads the file on explicit refresh.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StandingWorkerConfig keeps a pool warm even when its ready queue is
// empty.
type StandingWorkerConfig struct {
	Enabled bool `yaml:"enabled"`
	Cores   int  `yaml:"cores"`
}

// PoolConfig describes one homogeneous worker pool.
type PoolConfig struct {
	Name             string               `yaml:"name"`
	WorkerType       string               `yaml:"worker_type"`
	WorkerCores      int                  `yaml:"worker_cores"`
	LocalSSD         bool                 `yaml:"local_ssd"`
	PDSSDGB          int                  `yaml:"pd_ssd_gb"`
	BootDiskGB       int                  `yaml:"boot_disk_gb"`
	MaxInstances     int                  `yaml:"max_instances"`
	MaxLiveInstances int                  `yaml:"max_live_instances"`
	StandingWorker   StandingWorkerConfig `yaml:"standing_worker"`
}

// DriverConfig holds the scheduler and reconcile tunables.
type DriverConfig struct {
	ScheduleBatchSize     int           `yaml:"schedule_batch_size"`
	ScheduleInterval      time.Duration `yaml:"schedule_interval"`
	ReconcileInterval     time.Duration `yaml:"reconcile_interval"`
	MaxFailedRequests     int           `yaml:"max_failed_requests"`
	HeartbeatMissDeadline time.Duration `yaml:"heartbeat_miss_deadline"`
	MaxJobAttempts        int           `yaml:"max_job_attempts"`
}

// Config is the top-level service configuration.
type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`
	ObjectStore struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"object_store"`
	Auth struct {
		OIDCIssuer string `yaml:"oidc_issuer"`
		ClientID   string `yaml:"client_id"`
	} `yaml:"auth"`
	Driver DriverConfig `yaml:"driver"`
	Pools  []PoolConfig `yaml:"pools"`
}

// Load reads and validates a configuration file, applying defaults for
// zero-valued tunables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("could not parse config %s: %v", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool is required")
	}
	seen := make(map[string]bool)
	for _, p := range c.Pools {
		if p.Name == "" {
			return fmt.Errorf("pool name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate pool %q", p.Name)
		}
		seen[p.Name] = true
		if p.WorkerCores <= 0 {
			return fmt.Errorf("pool %q: worker_cores must be positive", p.Name)
		}
		switch p.WorkerType {
		case "standard", "highmem", "highcpu":
		default:
			return fmt.Errorf("pool %q: unknown worker_type %q", p.Name, p.WorkerType)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Driver.ScheduleBatchSize == 0 {
		c.Driver.ScheduleBatchSize = 50
	}
	if c.Driver.ScheduleInterval == 0 {
		c.Driver.ScheduleInterval = 15 * time.Second
	}
	if c.Driver.ReconcileInterval == 0 {
		c.Driver.ReconcileInterval = 10 * time.Second
	}
	if c.Driver.MaxFailedRequests == 0 {
		c.Driver.MaxFailedRequests = 5
	}
	if c.Driver.HeartbeatMissDeadline == 0 {
		c.Driver.HeartbeatMissDeadline = 5 * time.Minute
	}
	if c.Driver.MaxJobAttempts == 0 {
		c.Driver.MaxJobAttempts = 10
	}
}

// Pool returns the named pool config.
func (c *Config) Pool(name string) (PoolConfig, bool) {
	for _, p := range c.Pools {
		if p.Name == name {
			return p, true
		}
	}
	return PoolConfig{}, false
}
