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
	configDir  string = ".dlvtrace"
	configFile string = "config.yml"
)

// Defaults used when the configuration file leaves a key unset.
const (
	DefaultPageCacheSize        = 2048
	DefaultMaxPageRecords       = 4096
	DefaultDumpReleaseThreshold = 1 << 20
	DefaultMaxSearchResults     = 5000
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// PageCacheSize is the maximum number of trace pages kept resident.
	PageCacheSize int `yaml:"page-cache-size,omitempty"`
	// MaxPageRecords bounds the number of records in a page when the
	// recorder did not emit a full register snapshot often enough.
	MaxPageRecords int `yaml:"max-page-records,omitempty"`
	// DumpReleaseThreshold is the number of memory history entries above
	// which the history is released by a background goroutine on close.
	DumpReleaseThreshold int `yaml:"dump-release-threshold,omitempty"`
	// MaxSearchResults caps the number of matches reported by a pattern search.
	MaxSearchResults int `yaml:"max-search-results,omitempty"`

	// DisassembleFlavor allows user to specify output syntax flavor of
	// the step and search commands, valid values are "intel", "gnu" and
	// "go".
	DisassembleFlavor string `yaml:"disassemble-flavor,omitempty"`

	// Arch is the architecture of the recorded process, "amd64" or "386".
	Arch string `yaml:"arch,omitempty"`
}

// Normalize fills unset keys with their defaults.
func (c *Config) Normalize() {
	if c.PageCacheSize <= 0 {
		c.PageCacheSize = DefaultPageCacheSize
	}
	if c.MaxPageRecords <= 0 {
		c.MaxPageRecords = DefaultMaxPageRecords
	}
	if c.DumpReleaseThreshold <= 0 {
		c.DumpReleaseThreshold = DefaultDumpReleaseThreshold
	}
	if c.MaxSearchResults <= 0 {
		c.MaxSearchResults = DefaultMaxSearchResults
	}
	if c.DisassembleFlavor == "" {
		c.DisassembleFlavor = "intel"
	}
	if c.Arch == "" {
		c.Arch = "amd64"
	}
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return defaultConfig()
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return defaultConfig()
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return defaultConfig()
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := ReadConfig(f)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return defaultConfig()
	}
	return c
}

// ReadConfig decodes a configuration from r and fills in defaults.
func ReadConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.Normalize()
	return &c, nil
}

func defaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
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
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for the dlvtrace trace viewer.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Maximum number of trace pages kept in memory.
# page-cache-size: 2048

# Maximum number of records in a single page.
# max-page-records: 4096

# Memory history size (entries) above which closing a trace releases it in the background.
# dump-release-threshold: 1048576

# Maximum number of matches reported by a pattern search.
# max-search-results: 5000

# Disassembly syntax: intel, gnu or go.
# disassemble-flavor: intel

# Architecture of the recorded process: amd64 or 386.
# arch: amd64
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
