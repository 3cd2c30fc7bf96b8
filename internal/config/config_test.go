package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.Endpoint != "http://127.0.0.1:11434" {
		t.Fatalf("expected default llm endpoint, got %q", cfg.LLM.Endpoint)
	}
	if cfg.TTS.Voice != "af_heart" {
		t.Fatalf("expected default voice, got %q", cfg.TTS.Voice)
	}
	if !cfg.Bus.Embedded {
		t.Fatal("expected embedded bus by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOX_HTTP_PORT", "9100")
	t.Setenv("VOX_LLM_MODEL", "qwen3:8b")
	t.Setenv("VOX_LLM_NUM_CTX", "8192")
	t.Setenv("VOX_LLM_TEMPERATURE", "0.2")
	t.Setenv("VOX_TTS_SPEED", "1.3")
	t.Setenv("VOX_TTS_ENABLED", "false")
	t.Setenv("VOX_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VOX_JOURNAL_RETENTION_MODE", "persistent")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9100 {
		t.Fatalf("expected port override, got %d", cfg.HTTP.Port)
	}
	if cfg.LLM.Model != "qwen3:8b" {
		t.Fatalf("expected model override, got %q", cfg.LLM.Model)
	}
	if cfg.LLM.NumCtx != 8192 {
		t.Fatalf("expected num_ctx override, got %d", cfg.LLM.NumCtx)
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Fatalf("expected temperature override, got %v", cfg.LLM.Temperature)
	}
	if cfg.TTS.Speed != 1.3 {
		t.Fatalf("expected speed override, got %v", cfg.TTS.Speed)
	}
	if cfg.TTS.Enabled {
		t.Fatal("expected tts disabled")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Journal.RetentionMode != "persistent" {
		t.Fatalf("expected retention override, got %q", cfg.Journal.RetentionMode)
	}
}

func TestLocalOnlyGuard(t *testing.T) {
	t.Setenv("VOX_LLM_ENDPOINT", "http://10.0.0.5:11434")

	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for non-loopback endpoint")
	}

	t.Setenv("VOX_LLM_LOCAL_ONLY", "false")
	if _, err := Load(""); err != nil {
		t.Fatalf("expected remote endpoint allowed when local_only disabled: %v", err)
	}
}

func TestValidateRejectsBadRetention(t *testing.T) {
	t.Setenv("VOX_JOURNAL_RETENTION_MODE", "forever")
	if _, err := Load(""); err == nil {
		t.Fatal("expected retention mode validation error")
	}
}
