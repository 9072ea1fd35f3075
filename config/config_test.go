package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EMAPeriod != 21 {
		t.Errorf("EMAPeriod = %d, want 21", cfg.EMAPeriod)
	}
	if cfg.BucketPeriod != 3*time.Hour || cfg.KlineInterval != "1h" {
		t.Errorf("bucket/interval = %s/%s, want 3h/1h", cfg.BucketPeriod, cfg.KlineInterval)
	}
	if cfg.AlertCooldown != time.Hour {
		t.Errorf("AlertCooldown = %s, want 1h", cfg.AlertCooldown)
	}
	if cfg.MaxReconnects != 10 {
		t.Errorf("MaxReconnects = %d, want 10", cfg.MaxReconnects)
	}
	if cfg.PingInterval != 20*time.Second || cfg.PongTimeout != 10*time.Second {
		t.Errorf("ping/pong = %s/%s", cfg.PingInterval, cfg.PongTimeout)
	}
	if !cfg.SubscribeTrades {
		t.Error("SubscribeTrades should default to true")
	}
	if cfg.RedisAddr != "" || cfg.SQLitePath != "" {
		t.Error("optional sinks should be disabled by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("EMA_PERIOD", "50")
	t.Setenv("BUCKET_PERIOD", "4h")
	t.Setenv("ALERT_COOLDOWN", "30m")
	t.Setenv("SUBSCRIBE_TRADES", "false")
	t.Setenv("SYMBOLS", "btcusdt, ETHUSDT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EMAPeriod != 50 || cfg.BucketPeriod != 4*time.Hour || cfg.AlertCooldown != 30*time.Minute {
		t.Errorf("unexpected overrides: %+v", cfg)
	}
	if cfg.SubscribeTrades {
		t.Error("SubscribeTrades should be false")
	}
	if got := cfg.ParseSymbols(); !reflect.DeepEqual(got, []string{"BTCUSDT", "ETHUSDT"}) {
		t.Errorf("ParseSymbols = %v", got)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"EMA_PERIOD":     "0",
		"BUCKET_PERIOD":  "0s",
		"MAX_RECONNECTS": "0",
		"ALERT_COOLDOWN": "soon",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Errorf("%s=%s: expected error", key, val)
			}
		})
	}
}

func TestParseSymbols(t *testing.T) {
	cfg := &Config{Symbols: " btcusdt,,ETHUSDT,BTCUSDT , solusdt"}
	want := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	if got := cfg.ParseSymbols(); !reflect.DeepEqual(got, want) {
		t.Errorf("ParseSymbols = %v, want %v", got, want)
	}
	if got := (&Config{}).ParseSymbols(); len(got) != 0 {
		t.Errorf("empty Symbols should parse to nothing, got %v", got)
	}
}
