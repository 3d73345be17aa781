package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"resonancegraphs"
)

const (
	DefaultAppName    = "resonance-graphs"
	DefaultConfigName = "config"

	configEnv = "RESONANCE_GRAPHS_CONFIG"
	envPrefix = "resonance_graphs"
)

var userHomeDir, _ = os.UserHomeDir()

var (
	DefaultConfig           = filepath.Join(userHomeDir, ".config", DefaultAppName, DefaultConfigName+".yaml")
	defaultConfigSearchPath = filepath.Join(userHomeDir, ".config", DefaultAppName)
)

const (
	defaultConfigSearchPath1 = "/etc/" + DefaultAppName
	defaultConfigSearchPath2 = "./"
)

// Opt is the on-disk and command line configuration of the standalone tool.
type Opt struct {
	SocketPath       string  `yaml:"socket_path" mapstructure:"socket_path"`
	OutputDir        string  `yaml:"output_dir" mapstructure:"output_dir"`
	CalibrateScript  string  `yaml:"calibrate_script" mapstructure:"calibrate_script"`
	DumpMethod       string  `yaml:"dump_method" mapstructure:"dump_method"`
	StateName        string  `yaml:"state_name" mapstructure:"state_name"`
	ReadyIntervalSec float64 `yaml:"ready_interval_sec" mapstructure:"ready_interval_sec"`
	MetricsAddr      string  `yaml:"metrics_addr" mapstructure:"metrics_addr"`
	LogFile          string  `yaml:"log_file" mapstructure:"log_file"`
	Debug            bool    `yaml:"debug" mapstructure:"debug"`
}

func NewOpt() Opt {
	return Opt{
		SocketPath:       filepath.Join(userHomeDir, "printer_data", "comms", "klippy.sock"),
		OutputDir:        filepath.Join(userHomeDir, "printer_data", "config"),
		CalibrateScript:  filepath.Join(userHomeDir, "klipper", "scripts", "calibrate_shaper.py"),
		DumpMethod:       "adxl345/dump_adxl345",
		StateName:        "manual_resonance_run",
		ReadyIntervalSec: 2,
	}
}

func (o Opt) Options() resonancegraphs.Options {
	return resonancegraphs.Options{
		OutputDir:       o.OutputDir,
		CalibrateScript: o.CalibrateScript,
		DumpMethod:      o.DumpMethod,
		StateName:       o.StateName,
		ReadyInterval:   time.Duration(o.ReadyIntervalSec * float64(time.Second)),
	}
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"socket":       "socket_path",
	"output-dir":   "output_dir",
	"script":       "calibrate_script",
	"metrics-addr": "metrics_addr",
	"log-file":     "log_file",
	"debug":        "debug",
}

// LoadOpt resolves the configuration file in this order: --config,
// $RESONANCE_GRAPHS_CONFIG, then the default search paths. Environment
// variables and flags override file values.
func LoadOpt(cmd *cobra.Command) (Opt, error) {
	v := viper.New()
	def := NewOpt()
	v.SetDefault("socket_path", def.SocketPath)
	v.SetDefault("output_dir", def.OutputDir)
	v.SetDefault("calibrate_script", def.CalibrateScript)
	v.SetDefault("dump_method", def.DumpMethod)
	v.SetDefault("state_name", def.StateName)
	v.SetDefault("ready_interval_sec", def.ReadyIntervalSec)
	v.SetDefault("metrics_addr", def.MetricsAddr)
	v.SetDefault("log_file", def.LogFile)
	v.SetDefault("debug", def.Debug)

	if configFile, err := cmd.Flags().GetString("config"); err == nil && configFile != "" {
		v.SetConfigFile(configFile)
	} else if configFile := os.Getenv(configEnv); configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigSearchPath)
		v.AddConfigPath(defaultConfigSearchPath1)
		v.AddConfigPath(defaultConfigSearchPath2)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Opt{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var opt Opt
	if err := v.Unmarshal(&opt); err != nil {
		return Opt{}, fmt.Errorf("decoding config: %w", err)
	}
	if opt.SocketPath == "" {
		return Opt{}, errors.New("socket_path is required")
	}
	return opt, nil
}
