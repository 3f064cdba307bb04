package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"
	"time"

	"github.com/go-delve/dbgcore/pkg/proc"
	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".dbgcore"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// LaunchTimeout is how long a launch waits for the first stop of the
	// new process before giving up on it.
	LaunchTimeout time.Duration `yaml:"launch-timeout,omitempty"`
	// HaltTimeout is how long halt waits for the stop it requested.
	HaltTimeout time.Duration `yaml:"halt-timeout,omitempty"`
	// ControlTimeout bounds the acknowledgement of pause, resume and stop
	// requests sent to the control loop.
	ControlTimeout time.Duration `yaml:"control-timeout,omitempty"`
	// RunFirstTimeout is the first, short, wait used by runto when no
	// timeout is given.
	RunFirstTimeout time.Duration `yaml:"run-first-timeout,omitempty"`
	// RunSetupTimeout is how long runto waits for the process to start
	// running after it resumed it.
	RunSetupTimeout time.Duration `yaml:"run-setup-timeout,omitempty"`

	// DisableMemoryCache makes every memory read go to the target.
	DisableMemoryCache bool `yaml:"disable-memory-cache"`
	// MemoryCacheLineSize is the size, in bytes, of a memory cache line.
	MemoryCacheLineSize int `yaml:"memory-cache-line-size,omitempty"`
	// MemoryCacheLines is the maximum number of lines kept in the cache.
	MemoryCacheLines int `yaml:"memory-cache-lines,omitempty"`

	// ExtraStartupCommands are terminal commands executed after the target
	// stops for the first time.
	ExtraStartupCommands []string `yaml:"extra-startup-commands"`
	// StopHooks is a list of starlark scripts run every time the target stops.
	StopHooks []string `yaml:"stop-hooks"`
}

// ProcConfig returns the process controller settings described by c.
func (c *Config) ProcConfig() proc.Config {
	return proc.Config{
		LaunchTimeout:       c.LaunchTimeout,
		HaltTimeout:         c.HaltTimeout,
		ControlTimeout:      c.ControlTimeout,
		RunFirstTimeout:     c.RunFirstTimeout,
		RunSetupTimeout:     c.RunSetupTimeout,
		DisableMemoryCache:  c.DisableMemoryCache,
		MemoryCacheLineSize: c.MemoryCacheLineSize,
		MemoryCacheLines:    c.MemoryCacheLines,
	}
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := decodeConfig(f)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}
	return c
}

func decodeConfig(f *os.File) (*Config, error) {
	data, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for dbgcore.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# How long to wait for the first stop after launching a program.
# launch-timeout: 10s

# How long halt waits for the target to stop.
# halt-timeout: 1s

# How long to wait for the control loop to acknowledge a request.
# control-timeout: 2s

# First wait of the runto command when no timeout is given, and how long it
# waits for the target to start running.
# run-first-timeout: 500ms
# run-setup-timeout: 500ms

# Uncomment to read target memory without caching.
# disable-memory-cache: true
# memory-cache-line-size: 512
# memory-cache-lines: 64

# Commands executed after the target stops for the first time.
extra-startup-commands:
  # - sites

# Starlark scripts defining an on_stop function, run every time the target stops.
stop-hooks:
  # - ~/.dbgcore/hooks/print_pc.star
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
