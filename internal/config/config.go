// Package config resolves configuration with precedence: command-line
// flags, environment variables, config file, compiled-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pose-factory/internal/store"
)

// Config carries every externally tunable knob. Nothing here is baked into
// source beyond the documented defaults.
type Config struct {
	// StoreRemote identifies the bucket, shape "name:bucket" (rclone
	// convention). The name "local" selects the filesystem backend with the
	// bucket part as root directory.
	StoreRemote string

	StoreEndpoint        string
	StoreRegion          string
	StoreAccessKeyID     string
	StoreSecretAccessKey string
	StoreOpsPerMinute    int

	WorkspaceRoot string
	DataDir       string
	ScriptsDir    string

	PollInterval time.Duration
	JobTimeout   time.Duration
	WaitTimeout  time.Duration

	Tool         string
	ClaimBackoff bool

	ListenAddr    string
	SSHAgentQueue string
	Debug         bool
}

// envBindings maps viper keys to the environment variables recognized per
// the deployment contract.
var envBindings = map[string]string{
	"store_remote":            "STORE_REMOTE",
	"store_endpoint":          "STORE_ENDPOINT",
	"store_region":            "STORE_REGION",
	"store_access_key_id":     "STORE_ACCESS_KEY_ID",
	"store_secret_access_key": "STORE_SECRET_ACCESS_KEY",
	"store_ops_per_minute":    "STORE_OPS_PER_MINUTE",
	"workspace_root":          "WORKSPACE_ROOT",
	"data_dir":                "DATA_DIR",
	"scripts_dir":             "SCRIPTS_DIR",
	"poll_interval":           "JOB_POLL_INTERVAL",
	"job_timeout":             "JOB_TIMEOUT",
	"wait_timeout":            "WAIT_TIMEOUT",
	"tool":                    "RENDER_TOOL",
	"claim_backoff":           "CLAIM_BACKOFF",
	"listen_addr":             "LISTEN_ADDR",
	"ssh_agent_queue":         "SSH_AGENT_QUEUE",
	"debug":                   "DEBUG_MODE",
}

// NewViper builds a viper instance with defaults, env bindings, and an
// optional pose-factory.yaml config file. Callers bind their flags on top,
// completing the precedence chain.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("store_remote", "")
	v.SetDefault("store_endpoint", "")
	v.SetDefault("store_region", "auto")
	v.SetDefault("store_access_key_id", "")
	v.SetDefault("store_secret_access_key", "")
	v.SetDefault("store_ops_per_minute", 0)
	v.SetDefault("workspace_root", "/workspace")
	v.SetDefault("data_dir", "data")
	v.SetDefault("scripts_dir", "scripts")
	v.SetDefault("poll_interval", 30)
	v.SetDefault("job_timeout", 3600)
	v.SetDefault("wait_timeout", 3600)
	v.SetDefault("tool", "blender-render")
	v.SetDefault("claim_backoff", false)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("ssh_agent_queue", "")
	v.SetDefault("debug", false)

	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	v.SetConfigName("pose-factory")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/pose-factory")
	_ = v.ReadInConfig() // config file is optional

	return v
}

// FromViper materializes a Config. Interval values are seconds.
func FromViper(v *viper.Viper) *Config {
	return &Config{
		StoreRemote:          v.GetString("store_remote"),
		StoreEndpoint:        v.GetString("store_endpoint"),
		StoreRegion:          v.GetString("store_region"),
		StoreAccessKeyID:     v.GetString("store_access_key_id"),
		StoreSecretAccessKey: v.GetString("store_secret_access_key"),
		StoreOpsPerMinute:    v.GetInt("store_ops_per_minute"),
		WorkspaceRoot:        v.GetString("workspace_root"),
		DataDir:              v.GetString("data_dir"),
		ScriptsDir:           v.GetString("scripts_dir"),
		PollInterval:         time.Duration(v.GetInt("poll_interval")) * time.Second,
		JobTimeout:           time.Duration(v.GetInt("job_timeout")) * time.Second,
		WaitTimeout:          time.Duration(v.GetInt("wait_timeout")) * time.Second,
		Tool:                 v.GetString("tool"),
		ClaimBackoff:         v.GetBool("claim_backoff"),
		ListenAddr:           v.GetString("listen_addr"),
		SSHAgentQueue:        v.GetString("ssh_agent_queue"),
		Debug:                v.GetBool("debug"),
	}
}

// Load resolves configuration from env, file, and defaults only. Commands
// that add flags use NewViper + FromViper directly.
func Load() *Config {
	return FromViper(NewViper())
}

// StoreConfig translates the remote spec into a store backend config.
func (c *Config) StoreConfig() (store.Config, error) {
	if c.StoreRemote == "" {
		return store.Config{}, fmt.Errorf("STORE_REMOTE is not set")
	}
	name, bucket, err := store.ParseRemote(c.StoreRemote)
	if err != nil {
		return store.Config{}, err
	}
	cfg := store.Config{
		Bucket:          bucket,
		Endpoint:        c.StoreEndpoint,
		Region:          c.StoreRegion,
		AccessKeyID:     c.StoreAccessKeyID,
		SecretAccessKey: c.StoreSecretAccessKey,
		OpsPerMinute:    c.StoreOpsPerMinute,
	}
	if strings.EqualFold(name, "local") {
		cfg.Provider = "local"
	} else {
		cfg.Provider = "s3"
	}
	return cfg, nil
}
