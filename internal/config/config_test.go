package config

import "testing"

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := loadWith(envMap(map[string]string{
		"TUTORD_PROVIDER_API_KEY": "sk-test",
	}))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Provider.BaseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("BaseURL = %q", cfg.Provider.BaseURL)
	}
	if cfg.Provider.APIKey != "sk-test" {
		t.Errorf("APIKey = %q, want sk-test", cfg.Provider.APIKey)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	cfg, err := loadWith(envMap(map[string]string{
		"TUTORD_PROVIDER_API_KEY": "sk-test",
		"TUTORD_PORT":             "8080",
		"TUTORD_CHAT_MODEL":       "custom-model",
		"TUTORD_DATA_DIR":         "/tmp/tutord-test",
	}))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Provider.ChatModel != "custom-model" {
		t.Errorf("ChatModel = %q", cfg.Provider.ChatModel)
	}
	if cfg.Storage.DataDir != "/tmp/tutord-test" {
		t.Errorf("DataDir = %q", cfg.Storage.DataDir)
	}
}

func TestLoad_MissingAPIKey(t *testing.T) {
	_, err := loadWith(envMap(nil))
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	_, err := loadWith(envMap(map[string]string{
		"TUTORD_PROVIDER_API_KEY": "sk-test",
		"TUTORD_PORT":             "not-a-port",
	}))
	if err == nil {
		t.Fatal("expected error for invalid port")
	}
}
