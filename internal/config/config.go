package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ToolConfig holds defaults the CLI flags can override: which transport
// to pin, where the CHG line is routed, and how chatty to be.
type ToolConfig struct {
	I2CAdapter int    // MXT_I2C_ADAPTER, -1 when unset
	I2CAddress int    // MXT_I2C_ADDRESS, 0 when unset
	ChgChip    string // MXT_CHG_CHIP, e.g. "gpiochip0"
	ChgLine    int    // MXT_CHG_LINE, -1 when unset
	LogLevel   string // MXT_LOG_LEVEL
}

var (
	toolConfig   *ToolConfig
	configLoaded bool
)

// Load reads the tool configuration from a .env file in the project
// root, then lets real environment variables override it.
func Load() (*ToolConfig, error) {
	if toolConfig != nil && configLoaded {
		return toolConfig, nil
	}

	cfg := &ToolConfig{I2CAdapter: -1, ChgLine: -1}

	envPath := filepath.Join(findProjectRoot(), ".env")
	data, err := os.ReadFile(envPath)
	if err == nil {
		parseEnvFile(string(data), cfg)
	}

	for _, key := range []string{
		"MXT_I2C_ADAPTER", "MXT_I2C_ADDRESS", "MXT_CHG_CHIP", "MXT_CHG_LINE", "MXT_LOG_LEVEL",
	} {
		if val := os.Getenv(key); val != "" {
			apply(cfg, key, val)
		}
	}

	toolConfig = cfg
	configLoaded = true
	return cfg, nil
}

func parseEnvFile(content string, cfg *ToolConfig) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		apply(cfg, strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}
}

func apply(cfg *ToolConfig, key, value string) {
	switch key {
	case "MXT_I2C_ADAPTER":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.I2CAdapter = n
		}
	case "MXT_I2C_ADDRESS":
		// Addresses are conventionally hex, with or without 0x.
		if n, err := strconv.ParseInt(strings.TrimPrefix(value, "0x"), 16, 32); err == nil {
			cfg.I2CAddress = int(n)
		}
	case "MXT_CHG_CHIP":
		cfg.ChgChip = value
	case "MXT_CHG_LINE":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.ChgLine = n
		}
	case "MXT_LOG_LEVEL":
		cfg.LogLevel = value
	}
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}
