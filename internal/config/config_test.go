package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PATTERN_STORE_DRIVER", "VISION_ENGINE", "RECOGNITION_WORKERS",
		"RECOGNITION_TIMEOUT", "VISION_RPS", "VISION_TEXT_HINT", "NATS_SUBMITTED_SUBJECT",
		"PATTERN_SYNC_INTERVAL",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.PatternStoreDriver != "sqlite" {
		t.Fatalf("expected default driver sqlite, got %q", cfg.PatternStoreDriver)
	}
	if cfg.VisionEngine != "ollama" {
		t.Fatalf("expected default vision engine ollama, got %q", cfg.VisionEngine)
	}
	if cfg.RecognitionWorkers != 4 {
		t.Fatalf("expected 4 workers, got %d", cfg.RecognitionWorkers)
	}
	if cfg.RecognitionTimeout != 90*time.Second {
		t.Fatalf("expected 90s timeout, got %s", cfg.RecognitionTimeout)
	}
	if cfg.VisionRPS != 2 || cfg.VisionTextHint {
		t.Fatalf("unexpected vision defaults: rps=%f hint=%v", cfg.VisionRPS, cfg.VisionTextHint)
	}
	if cfg.NATSSubmittedSubject != "statements.submitted" {
		t.Fatalf("unexpected subject %q", cfg.NATSSubmittedSubject)
	}
	if cfg.PatternSyncInterval != 30*time.Second {
		t.Fatalf("expected 30s pattern sync interval, got %s", cfg.PatternSyncInterval)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("PATTERN_STORE_DRIVER", "postgres")
	t.Setenv("RECOGNITION_WORKERS", "8")
	t.Setenv("RECOGNITION_TIMEOUT", "45")
	t.Setenv("VISION_RPS", "0.5")
	t.Setenv("VISION_TEXT_HINT", "true")

	cfg := Load()
	if cfg.PatternStoreDriver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", cfg.PatternStoreDriver)
	}
	if cfg.RecognitionWorkers != 8 {
		t.Fatalf("expected 8 workers, got %d", cfg.RecognitionWorkers)
	}
	if cfg.RecognitionTimeout != 45*time.Second {
		t.Fatalf("plain seconds should parse, got %s", cfg.RecognitionTimeout)
	}
	if cfg.VisionRPS != 0.5 || !cfg.VisionTextHint {
		t.Fatalf("unexpected vision overrides: rps=%f hint=%v", cfg.VisionRPS, cfg.VisionTextHint)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("RECOGNITION_WORKERS", "many")
	t.Setenv("RECOGNITION_TIMEOUT", "soon")
	t.Setenv("VISION_TEXT_HINT", "perhaps")

	cfg := Load()
	if cfg.RecognitionWorkers != 4 || cfg.RecognitionTimeout != 90*time.Second || cfg.VisionTextHint {
		t.Fatalf("malformed values should fall back to defaults: %+v", cfg)
	}
}
