// Package config loads the daemon configuration (TOML) and the pipeline
// kind catalog (YAML). Both files are optional: missing files yield a
// fully-defaulted configuration so a fresh checkout runs without setup.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration wraps time.Duration so config files can write "5m" or "90s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML and YAML.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the daemon configuration, read from config.toml.
type Config struct {
	Daemon     Daemon      `toml:"daemon"`
	Recovery   Recovery    `toml:"recovery"`
	Repo       Repo        `toml:"repo"`
	Tracker    Tracker     `toml:"tracker"`
	Locks      []LockDef   `toml:"lock"`
	Semaphores []SemDef    `toml:"semaphore"`
	Queues     []QueueDef  `toml:"queue"`
}

// Daemon holds run-loop settings.
type Daemon struct {
	TickInterval     Duration `toml:"tick_interval"`
	SessionIdleAfter Duration `toml:"session_idle_after"`
	SessionDeadAfter Duration `toml:"session_dead_after"`
	StuckThreshold   Duration `toml:"stuck_threshold"`
	AgentCommand     string   `toml:"agent_command"`

	// IntakeQueue bridges the issue tracker: ready issues land in this
	// queue and claims become pipelines. Empty disables the bridge.
	IntakeQueue string `toml:"intake_queue"`
	IntakeKind  string `toml:"intake_kind"`
	MaxActive   int    `toml:"max_active"`
}

// Recovery controls the stuck-task recovery chain.
type Recovery struct {
	MaxNudges   int      `toml:"max_nudges"`
	MaxRestarts int      `toml:"max_restarts"`
	NudgeGrace  Duration `toml:"nudge_grace"`
}

// Repo locates the git repository workspaces are carved from.
type Repo struct {
	Root       string `toml:"root"`
	MainBranch string `toml:"main_branch"`
}

// Tracker names the issue tracker CLI.
type Tracker struct {
	Bin string `toml:"bin"`
}

// LockDef declares one named lock.
type LockDef struct {
	Name             string   `toml:"name"`
	HeartbeatTimeout Duration `toml:"heartbeat_timeout"`
	MaxHold          Duration `toml:"max_hold"`
}

// SemDef declares one named counting semaphore.
type SemDef struct {
	Name             string   `toml:"name"`
	Capacity         int      `toml:"capacity"`
	HeartbeatTimeout Duration `toml:"heartbeat_timeout"`
}

// QueueDef declares one named work queue.
type QueueDef struct {
	Name              string   `toml:"name"`
	VisibilityTimeout Duration `toml:"visibility_timeout"`
	MaxAttempts       int      `toml:"max_attempts"`
}

// Load reads path and layers it over defaults. A missing file is not an
// error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg.WithDefaults(), nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.WithDefaults(), nil
}

// WithDefaults fills any zero-valued setting with its default.
func (c Config) WithDefaults() Config {
	if c.Daemon.TickInterval <= 0 {
		c.Daemon.TickInterval = Duration(15 * time.Second)
	}
	if c.Daemon.SessionIdleAfter <= 0 {
		c.Daemon.SessionIdleAfter = Duration(2 * time.Minute)
	}
	if c.Daemon.SessionDeadAfter <= 0 {
		c.Daemon.SessionDeadAfter = Duration(10 * time.Minute)
	}
	if c.Daemon.StuckThreshold <= 0 {
		c.Daemon.StuckThreshold = Duration(5 * time.Minute)
	}
	if c.Daemon.AgentCommand == "" {
		c.Daemon.AgentCommand = "claude"
	}
	if c.Daemon.IntakeKind == "" {
		c.Daemon.IntakeKind = "build"
	}
	if c.Daemon.MaxActive <= 0 {
		c.Daemon.MaxActive = 2
	}
	if c.Recovery.MaxNudges <= 0 {
		c.Recovery.MaxNudges = 2
	}
	if c.Recovery.MaxRestarts <= 0 {
		c.Recovery.MaxRestarts = 2
	}
	if c.Recovery.NudgeGrace <= 0 {
		c.Recovery.NudgeGrace = Duration(2 * time.Minute)
	}
	if c.Repo.Root == "" {
		c.Repo.Root = "."
	}
	if c.Repo.MainBranch == "" {
		c.Repo.MainBranch = "main"
	}
	if c.Tracker.Bin == "" {
		c.Tracker.Bin = "bd"
	}
	for i := range c.Locks {
		if c.Locks[i].HeartbeatTimeout <= 0 {
			c.Locks[i].HeartbeatTimeout = Duration(time.Minute)
		}
	}
	for i := range c.Semaphores {
		if c.Semaphores[i].Capacity <= 0 {
			c.Semaphores[i].Capacity = 1
		}
		if c.Semaphores[i].HeartbeatTimeout <= 0 {
			c.Semaphores[i].HeartbeatTimeout = Duration(time.Minute)
		}
	}
	for i := range c.Queues {
		if c.Queues[i].VisibilityTimeout <= 0 {
			c.Queues[i].VisibilityTimeout = Duration(5 * time.Minute)
		}
		if c.Queues[i].MaxAttempts <= 0 {
			c.Queues[i].MaxAttempts = 3
		}
	}
	return c
}
