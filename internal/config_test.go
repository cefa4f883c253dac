package internal

import (
	"strings"
	"testing"
	"time"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.Sync.Enabled {
		t.Error("sync should be off by default")
	}
}

func TestSchemaConfig_PathRequired(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Schema.Path = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty schema path should fail")
	}
}

func TestSyncConfig_Validation(t *testing.T) {
	disabled := SyncConfig{Remote: "carrier-pigeon"}
	if err := disabled.Validate(); err != nil {
		t.Errorf("disabled sync should skip validation: %v", err)
	}

	bad := SyncConfig{Enabled: true, Remote: "carrier-pigeon"}
	if err := bad.Validate(); err == nil {
		t.Error("unknown remote should fail")
	}

	neg := SyncConfig{Enabled: true, Remote: RemoteMemory, PageSize: -1}
	if err := neg.Validate(); err == nil {
		t.Error("negative page size should fail")
	}

	ok := SyncConfig{Enabled: true, Remote: RemoteMemory, PageSize: 50, FullSyncInterval: time.Hour}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid sync config: %v", err)
	}
}

func TestStorageConfig_Workers(t *testing.T) {
	cfg := StorageConfig{Workers: 1000}
	if err := cfg.Validate(); err == nil {
		t.Error("too many workers should fail")
	}
}
