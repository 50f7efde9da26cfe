package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Tuning holds the engine's timing and capacity knobs. Values come
// from hive.yaml with env-var overrides (HIVE_ prefix), so a deploy
// can slow the pulses or extend deadlines without rebuilding.
type Tuning struct {
	FastPulse   time.Duration `mapstructure:"fast_pulse"`
	MediumPulse time.Duration `mapstructure:"medium_pulse"`
	SlowPulse   time.Duration `mapstructure:"slow_pulse"`

	// LivenessWindow is how long a worker may go silent before the
	// registry marks it Offline.
	LivenessWindow time.Duration `mapstructure:"liveness_window"`

	// AssignmentDeadline bounds a dispatched job. Past it the run is
	// failed and the worker released.
	AssignmentDeadline time.Duration `mapstructure:"assignment_deadline"`

	// WakeBatch caps how many due jobs one slow tick may promote.
	WakeBatch int `mapstructure:"wake_batch"`

	StoreAttempts int           `mapstructure:"store_attempts"`
	StoreBackoff  time.Duration `mapstructure:"store_backoff"`

	LogBuffer       int           `mapstructure:"log_buffer"`
	LogWindow       int           `mapstructure:"log_window"`
	LogCleanupEvery time.Duration `mapstructure:"log_cleanup_every"`

	// StdoutInlineMax is the largest stdout kept in the result row;
	// anything bigger is moved to blob storage.
	StdoutInlineMax int `mapstructure:"stdout_inline_max"`

	v *viper.Viper // instance-specific viper
}

const (
	EnvPrefix  = "HIVE"
	ConfigName = "hive"
	ConfigRoot = ".hive"
)

// LoadTuning creates a new Tuning instance with its own viper
// This is the only way to load tuning (no global state)
func LoadTuning(cfgFile string) (*Tuning, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading tuning file %s: %w", cfgFile, err)
		}
	} else {
		// Load project tuning (TRACKED) - hive.yaml in current directory
		for _, name := range []string{"hive.yaml", "hive.yml", ".hive.yaml"} {
			if _, err := os.Stat(name); err == nil {
				v.SetConfigFile(name)
				if err := v.ReadInConfig(); err == nil {
					break
				}
			}
		}

		// Merge local overrides (UNTRACKED) - .hive/config.yaml
		localConfigPath := filepath.Join(ConfigRoot, "config.yaml")
		if _, err := os.Stat(localConfigPath); err == nil {
			v.SetConfigFile(localConfigPath)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("merging local tuning: %w", err)
			}
		}
	}

	setDefaults(v)

	var t Tuning
	if err := v.Unmarshal(&t); err != nil {
		return nil, fmt.Errorf("unmarshaling tuning: %w", err)
	}

	t.v = v
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Default returns the built-in tuning, used by tests and by callers
// that do not read a file.
func Default() *Tuning {
	v := viper.New()
	setDefaults(v)
	var t Tuning
	if err := v.Unmarshal(&t); err != nil {
		panic(fmt.Sprintf("default tuning must unmarshal: %v", err))
	}
	t.v = v
	return &t
}

func (t *Tuning) Validate() error {
	if t.FastPulse <= 0 || t.MediumPulse <= 0 || t.SlowPulse <= 0 {
		return fmt.Errorf("pulse cadences must be positive")
	}
	if t.FastPulse >= t.MediumPulse || t.MediumPulse >= t.SlowPulse {
		return fmt.Errorf("pulse cadences must be ordered fast < medium < slow")
	}
	if t.LivenessWindow <= 0 {
		return fmt.Errorf("liveness_window must be positive")
	}
	if t.AssignmentDeadline <= 0 {
		return fmt.Errorf("assignment_deadline must be positive")
	}
	if t.WakeBatch <= 0 {
		return fmt.Errorf("wake_batch must be positive")
	}
	return nil
}

// ConfigFileUsed returns the tuning file that was used (if any)
func (t *Tuning) ConfigFileUsed() string {
	if t.v == nil {
		return ""
	}
	return t.v.ConfigFileUsed()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("fast_pulse", 50*time.Millisecond)
	v.SetDefault("medium_pulse", time.Second)
	v.SetDefault("slow_pulse", 10*time.Second)
	v.SetDefault("liveness_window", 3*time.Second)
	v.SetDefault("assignment_deadline", 10*time.Minute)
	v.SetDefault("wake_batch", 256)
	v.SetDefault("store_attempts", 3)
	v.SetDefault("store_backoff", 250*time.Millisecond)
	v.SetDefault("log_buffer", 1024)
	v.SetDefault("log_window", 512)
	v.SetDefault("log_cleanup_every", 5*time.Minute)
	v.SetDefault("stdout_inline_max", 4096)
}
