package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.LoggingConfig.Level != "INFO" {
		t.Errorf("log level = %q", cfg.LoggingConfig.Level)
	}
	if cfg.DetectorConfig.VolSMAN != 20 {
		t.Errorf("detector defaults not applied, VolSMAN = %d", cfg.DetectorConfig.VolSMAN)
	}
	if cfg.OutcomeConfig.WindowMinutes != 360 {
		t.Errorf("outcome window = %d", cfg.OutcomeConfig.WindowMinutes)
	}
	if cfg.ServerConfig.Port != 8090 {
		t.Errorf("server port = %d", cfg.ServerConfig.Port)
	}
	if _, ok := cfg.DetectorConfig.SymbolProfiles["BNBUSDT"]; !ok {
		t.Error("symbol profiles missing")
	}
}

func TestLoadFileReadsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"logging": {"level": "DEBUG", "output": "stderr"},
		"server": {"port": 9100},
		"feed": {"symbols": ["SOLUSDT"], "timeframes": ["1m"], "enabled": true}
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.LoggingConfig.Level != "DEBUG" || cfg.LoggingConfig.Output != "stderr" {
		t.Errorf("logging = %+v", cfg.LoggingConfig)
	}
	if cfg.ServerConfig.Port != 9100 {
		t.Errorf("port = %d", cfg.ServerConfig.Port)
	}
	if len(cfg.FeedConfig.Symbols) != 1 || cfg.FeedConfig.Symbols[0] != "SOLUSDT" {
		t.Errorf("symbols = %v", cfg.FeedConfig.Symbols)
	}
	if !cfg.FeedConfig.Enabled {
		t.Error("feed should be enabled")
	}
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("FEED_SYMBOLS", "ADAUSDT, XRPUSDT")
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("KAFKA_ENABLED", "true")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.LoggingConfig.Level != "ERROR" {
		t.Errorf("log level = %q", cfg.LoggingConfig.Level)
	}
	want := []string{"ADAUSDT", "XRPUSDT"}
	if len(cfg.FeedConfig.Symbols) != 2 || cfg.FeedConfig.Symbols[0] != want[0] || cfg.FeedConfig.Symbols[1] != want[1] {
		t.Errorf("symbols = %v", cfg.FeedConfig.Symbols)
	}
	if cfg.ServerConfig.Port != 9999 {
		t.Errorf("port = %d", cfg.ServerConfig.Port)
	}
	if !cfg.KafkaConfig.Enabled {
		t.Error("kafka should be enabled")
	}
}
