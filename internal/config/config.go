// Package config loads process configuration for the supervisor and
// worker binaries via viper, layering a YAML file (optional) under
// environment variables, the way the teacher's go.mod names viper as a
// direct dependency for exactly this purpose even though its own
// cmd/server/main.go took the shortcut of reading os.Getenv directly.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/atlas-desktop/clm-worker/pkg/types"
	"github.com/spf13/viper"
)

// Server configures the HTTP read surface shared by both binaries.
type Server struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	MetricsPort    int           `mapstructure:"metricsPort"`
}

// Coordination configures the coordination-store connection. Only an
// in-memory store ships with this module (see internal/coordination);
// both binaries construct that store directly and do not read the
// address/namespace fields.
type Coordination struct {
	Address   string `mapstructure:"address"`
	Namespace string `mapstructure:"namespace"`
}

// Worker configures a single worker process's env-seeded startup.
type Worker struct {
	PairID       string            `mapstructure:"pairId"`
	Pools        []types.PoolConfig `mapstructure:"pools"`
	IntervalSec  int               `mapstructure:"intervalSec"`
	MaxPositions int               `mapstructure:"maxPositions"`
	Thresholds   types.Thresholds  `mapstructure:"thresholds"`
	StablePair   bool              `mapstructure:"stablePair"`
	SigningKey   string            `mapstructure:"signingKey"`
}

// Supervisor configures the supervisor's seed pair set, used only when
// the coordination store has no configuration entries yet.
type Supervisor struct {
	SeedPairIDs []string `mapstructure:"seedPairIds"`
}

// Root is the top-level configuration document for either binary.
type Root struct {
	Server       Server       `mapstructure:"server"`
	Coordination Coordination `mapstructure:"coordination"`
	Worker       Worker       `mapstructure:"worker"`
	Supervisor   Supervisor   `mapstructure:"supervisor"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30*time.Second)
	v.SetDefault("server.writeTimeout", 30*time.Second)
	v.SetDefault("server.metricsPort", 9090)
	v.SetDefault("coordination.address", "memory")
	v.SetDefault("coordination.namespace", "clm")
	v.SetDefault("worker.intervalSec", 900)
	v.SetDefault("worker.maxPositions", 5)
	v.SetDefault("worker.thresholds.pra", 0.05)
	v.SetDefault("worker.thresholds.rs", 0.25)
}

// Load reads configFile (if non-empty and present) then overlays
// CLM_-prefixed environment variables, matching the teacher's env-var
// precedence in cmd/server/main.go but routed through viper instead of
// ad hoc os.Getenv calls.
func Load(configFile string) (Root, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("CLM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return Root{}, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var root Root
	if err := v.Unmarshal(&root); err != nil {
		return Root{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	return root, nil
}

// PairConfig converts the worker's env-seeded section into a
// types.PairConfig, used as the fallback when the coordination store
// has no entry yet for this pair, per spec.md §4.11 step 1.
func (w Worker) PairConfig() types.PairConfig {
	return types.PairConfig{
		ID:           w.PairID,
		Pools:        w.Pools,
		IntervalSec:  w.IntervalSec,
		MaxPositions: w.MaxPositions,
		Thresholds:   w.Thresholds,
	}
}
