package config

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "localcoder.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/localcoder"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "LOCALCODER_"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
	getenv func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, getenv: os.Getenv}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/localcoder/config.yaml)
// 3. Project config (localcoder.yaml in current or parent directories)
// 4. Environment variables (LOCALCODER_*)
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfig, err := loadOverlay(userConfigPath); err == nil {
		l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		config.Merge(userConfig)
	} else if !os.IsNotExist(err) {
		l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := loadOverlay(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	if err := l.applyEnv(config); err != nil {
		return nil, err
	}

	l.resolveRoot(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadFile loads a single explicit config file on top of the defaults,
// then applies environment overrides.
func (l *Loader) LoadFile(path string) (*Config, error) {
	overlay, err := loadOverlay(path)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()
	config.Merge(overlay)

	if err := l.applyEnv(config); err != nil {
		return nil, err
	}
	l.resolveRoot(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't
// exist. It returns the file's path and whether it was created.
func (l *Loader) EnsureUserConfig() (string, bool, error) {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return "", false, fmt.Errorf("cannot determine home directory")
	}

	if _, err := os.Stat(userConfigPath); err == nil {
		return userConfigPath, false, nil
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return "", false, err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return userConfigPath, true, nil
}

// loadOverlay parses a YAML file without defaults so that Merge only sees
// the values the file actually sets.
func loadOverlay(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &overlay, nil
}

// applyEnv applies LOCALCODER_* overrides.
func (l *Loader) applyEnv(config *Config) error {
	overlay := &Config{}

	overlay.Model.Path = l.getenv(EnvPrefix + "MODEL_PATH")
	overlay.Model.Dir = l.getenv(EnvPrefix + "MODEL_DIR")
	overlay.Engine.URL = l.getenv(EnvPrefix + "ENGINE_URL")
	overlay.Engine.ServerBinary = l.getenv(EnvPrefix + "SERVER_BINARY")
	overlay.Context.Root = l.getenv(EnvPrefix + "CONTEXT_ROOT")
	overlay.Server.Addr = l.getenv(EnvPrefix + "ADDR")
	overlay.NATS.URL = l.getenv(EnvPrefix + "NATS_URL")

	if v := l.getenv(EnvPrefix + "THREADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sTHREADS: %w", EnvPrefix, err)
		}
		overlay.Engine.Threads = n
	}

	config.Merge(overlay)
	return nil
}

// resolveRoot fills in the context root when it is not configured.
func (l *Loader) resolveRoot(config *Config) {
	if config.Context.Root != "" {
		if abs, err := filepath.Abs(config.Context.Root); err == nil {
			config.Context.Root = abs
		}
		return
	}
	if gitRoot := l.detectGitRoot(); gitRoot != "" {
		config.Context.Root = gitRoot
		l.logger.Debug("Auto-detected git root", slog.String("path", gitRoot))
		return
	}
	if cwd, err := os.Getwd(); err == nil {
		config.Context.Root = cwd
		l.logger.Debug("Using current directory as context root", slog.String("path", cwd))
	}
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for localcoder.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// detectGitRoot finds the git repository root from current directory
func (l *Loader) detectGitRoot() string {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}
