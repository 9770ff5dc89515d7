package config

import "testing"

// validConfig returns a Config populated with the struct's envDefault
// values, without touching the process environment, so Validate can
// be exercised without going through godotenv/env.Parse.
func validConfig() *Config {
	return &Config{
		Addr:               ":3002",
		KafkaBrokers:       "localhost:19092",
		KafkaTopic:         "syncore-oplog",
		KafkaConsumerGroup: "syncore-server-group",
		KafkaPartitions:    12,
		NATSURL:            "nats://localhost:4222",
		NATSSubjectPrefix:  "syncore.emit",
		CPULimit:           1.0,
		MemoryLimit:        536870912,
		MaxConnections:     500,
		MaxGoroutines:      1000,
		MessageRateBurst:   100,
		MessageRatePerSec:  10,
		CPURejectThreshold: 75.0,
		CPUPauseThreshold:  80.0,
		LogLevel:           "info",
		LogFormat:          "json",
		Environment:        "development",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestValidateRejectsEmptyAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Addr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty addr")
	}
}

func TestValidateRejectsInvertedCPUThresholds(t *testing.T) {
	cfg := validConfig()
	cfg.CPURejectThreshold = 90
	cfg.CPUPauseThreshold = 50
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for pause threshold below reject threshold")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestGuardConfigMirrorsFields(t *testing.T) {
	cfg := validConfig()
	gc := cfg.GuardConfig()
	if gc.MaxConnections != cfg.MaxConnections || gc.CPURejectThreshold != cfg.CPURejectThreshold {
		t.Fatalf("GuardConfig did not mirror Config fields: %+v", gc)
	}
}
