package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".nativehost"
	configFile string = "config.yml"
)

// Defaults used when the corresponding option is not set.
const (
	DefaultMaxMemoryDump    = 4096
	DefaultDisassembleCount = 16
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// DisableASLR launches inferiors with address space randomization
	// turned off.
	DisableASLR bool `yaml:"disable-aslr"`
	// LaunchPTY gives launched inferiors their own pseudo terminal.
	LaunchPTY bool `yaml:"launch-pty"`

	// MaxMemoryDump is the maximum number of bytes examinemem will read.
	MaxMemoryDump *int `yaml:"max-memory-dump,omitempty"`
	// DisassembleCount is the default number of instructions printed by
	// disassemble.
	DisassembleCount *int `yaml:"disassemble-count,omitempty"`

	// MetricsAddr, if set, is the address the prometheus metrics endpoint
	// listens on.
	MetricsAddr string `yaml:"metrics-addr,omitempty"`

	// KillOnExit kills the inferior when the terminal exits instead of
	// asking.
	KillOnExit *bool `yaml:"kill-on-exit,omitempty"`
}

// GetMaxMemoryDump returns MaxMemoryDump or its default.
func (c *Config) GetMaxMemoryDump() int {
	if c == nil || c.MaxMemoryDump == nil || *c.MaxMemoryDump <= 0 {
		return DefaultMaxMemoryDump
	}
	return *c.MaxMemoryDump
}

// GetDisassembleCount returns DisassembleCount or its default.
func (c *Config) GetDisassembleCount() int {
	if c == nil || c.DisassembleCount == nil || *c.DisassembleCount <= 0 {
		return DefaultDisassembleCount
	}
	return *c.DisassembleCount
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
	c, err := LoadConfigFrom(fullConfigFile)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// LoadConfigFrom reads the configuration at fullConfigFile, creating it
// with the default contents if it does not exist.
func LoadConfigFrom(fullConfigFile string) (*Config, error) {
	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return nil, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
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
	return SaveConfigTo(conf, fullConfigFile)
}

// SaveConfigTo is SaveConfig writing to fullConfigFile.
func SaveConfigTo(conf *Config, fullConfigFile string) error {
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
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for nativehost.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Launch programs with address space layout randomization disabled.
# disable-aslr: true

# Give launched programs their own pseudo terminal.
# launch-pty: true

# Maximum number of bytes read by the examinemem command.
# max-memory-dump: 4096

# Number of instructions printed by disassemble when no count is given.
# disassemble-count: 16

# Serve prometheus metrics on this address.
# metrics-addr: "localhost:9100"

# Kill the program on exit without asking.
# kill-on-exit: true
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
