package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".wdbg"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// EventTimeout is the number of seconds the terminal waits for a debug
	// event before giving the prompt back. Zero waits forever.
	EventTimeout int `yaml:"event-timeout"`

	// MemoryCachePages is the number of target memory pages cached while
	// the target is stopped. A negative value disables the cache.
	MemoryCachePages *int `yaml:"memory-cache-pages,omitempty"`

	// AutoContinue lists the kinds of debug events that are printed and
	// resumed without stopping at the prompt.
	AutoContinue []string `yaml:"auto-continue"`

	// ExamineBytes is the default length of examinemem.
	ExamineBytes int `yaml:"examine-bytes"`
	// DisassembleCount is the default number of instructions printed by
	// disassemble.
	DisassembleCount int `yaml:"disassemble-count"`
	// DisassembleFlavor is the syntax used by disassemble: intel (default),
	// gnu or go.
	DisassembleFlavor *string `yaml:"disassemble-flavor,omitempty"`

	// FollowChildren also debugs processes created by launched targets.
	FollowChildren bool `yaml:"follow-children"`
	// NewConsole starts launched targets in their own console.
	NewConsole bool `yaml:"new-console"`
}

const (
	defaultExamineBytes     = 64
	defaultDisassembleCount = 10
)

// EventTimeoutDuration returns EventTimeout as a time.Duration.
func (c *Config) EventTimeoutDuration() time.Duration {
	if c == nil || c.EventTimeout <= 0 {
		return 0
	}
	return time.Duration(c.EventTimeout) * time.Second
}

// ExamineLen returns the default length of examinemem.
func (c *Config) ExamineLen() int {
	if c == nil || c.ExamineBytes <= 0 {
		return defaultExamineBytes
	}
	return c.ExamineBytes
}

// DisassembleLen returns the default number of disassembled instructions.
func (c *Config) DisassembleLen() int {
	if c == nil || c.DisassembleCount <= 0 {
		return defaultDisassembleCount
	}
	return c.DisassembleCount
}

// PageCacheSize returns the page cache size to configure the session
// with, zero meaning the default.
func (c *Config) PageCacheSize() int {
	if c == nil || c.MemoryCachePages == nil {
		return 0
	}
	if *c.MemoryCachePages == 0 {
		return -1
	}
	return *c.MemoryCachePages
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

	if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
		if err := createDefaultConfig(fullConfigFile); err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}

	c, err := loadConfigFile(fullConfigFile)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

func loadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open config file: %v", err)
	}
	defer f.Close()

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
	return saveConfigFile(fullConfigFile, conf)
}

func saveConfigFile(path string, conf *Config) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	err = writeDefaultConfig(f)
	if err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for the wdbg debugger.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Seconds to wait for a debug event before returning to the prompt, 0 waits forever.
# event-timeout: 0

# Number of target memory pages cached while the target is stopped, 0 disables the cache.
# memory-cache-pages: 64

# Kinds of events printed without stopping, for example:
# auto-continue: ["ModuleLoaded", "ModuleUnloaded", "ThreadCreated", "ThreadExited", "OutputProduced"]

# Default length of examinemem.
# examine-bytes: 64

# Default number of instructions printed by disassemble.
# disassemble-count: 10

# Syntax of disassembled instructions: intel, gnu or go.
# disassemble-flavor: intel

# Debug child processes of launched targets.
# follow-children: true

# Start launched targets in a new console.
# new-console: true
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
	if dir := os.Getenv("WDBG_CONFIG_DIR"); dir != "" {
		return path.Join(dir, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
