package config

import "testing"

func TestParseEnvFile(t *testing.T) {
	content := `
# tool defaults
MXT_I2C_ADAPTER=1
MXT_I2C_ADDRESS=0x4a
MXT_CHG_CHIP=gpiochip0
MXT_CHG_LINE=17
MXT_LOG_LEVEL=debug

not-a-pair
`
	cfg := &ToolConfig{I2CAdapter: -1, ChgLine: -1}
	parseEnvFile(content, cfg)

	if cfg.I2CAdapter != 1 {
		t.Errorf("I2CAdapter = %d, want 1", cfg.I2CAdapter)
	}
	if cfg.I2CAddress != 0x4a {
		t.Errorf("I2CAddress = %#x, want 0x4a", cfg.I2CAddress)
	}
	if cfg.ChgChip != "gpiochip0" || cfg.ChgLine != 17 {
		t.Errorf("CHG = %s:%d, want gpiochip0:17", cfg.ChgChip, cfg.ChgLine)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestApplyAddressWithoutPrefix(t *testing.T) {
	cfg := &ToolConfig{}
	apply(cfg, "MXT_I2C_ADDRESS", "5b")
	if cfg.I2CAddress != 0x5b {
		t.Errorf("I2CAddress = %#x, want 0x5b", cfg.I2CAddress)
	}
}
