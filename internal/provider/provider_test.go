package provider

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/54b3r/reachyrag-go/internal/rag"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		// ── Ollama ────────────────────────────────────────────────────────────
		{
			name: "ollama/valid",
			cfg:  Config{Backend: BackendOllama, Ollama: ProviderOllama{Host: "http://localhost:11434", Model: "llama3"}},
		},
		{
			name:    "ollama/missing model",
			cfg:     Config{Backend: BackendOllama, Ollama: ProviderOllama{Host: "http://localhost:11434"}},
			wantErr: "OLLAMA_MODEL",
		},

		// ── OpenAI ────────────────────────────────────────────────────────────
		{
			name: "openai/valid",
			cfg:  Config{Backend: BackendOpenAI, OpenAI: ProviderOpenAI{APIKey: "sk-test", Model: "gpt-4o"}},
		},
		{
			name:    "openai/missing api key",
			cfg:     Config{Backend: BackendOpenAI, OpenAI: ProviderOpenAI{Model: "gpt-4o"}},
			wantErr: "OPENAI_API_KEY",
		},

		// ── Azure ─────────────────────────────────────────────────────────────
		{
			name: "azure/valid",
			cfg: Config{Backend: BackendAzure, AzureOpenAI: ProviderAzureOpenAI{
				APIKey: "key", Endpoint: "https://my.openai.azure.com", Deployment: "gpt-4o", APIVersion: "2024-02-01",
			}},
		},
		{
			name: "azure/missing deployment",
			cfg: Config{Backend: BackendAzure, AzureOpenAI: ProviderAzureOpenAI{
				APIKey: "key", Endpoint: "https://my.openai.azure.com",
			}},
			wantErr: "AZURE_OPENAI_DEPLOYMENT",
		},

		// ── Mistral ───────────────────────────────────────────────────────────
		{
			name: "mistral/valid",
			cfg:  Config{Backend: BackendMistral, Mistral: ProviderMistral{APIKey: "m-key", Model: "codestral-latest"}},
		},
		{
			name:    "mistral/missing key",
			cfg:     Config{Backend: BackendMistral, Mistral: ProviderMistral{Model: "codestral-latest"}},
			wantErr: "MISTRAL_API_KEY",
		},

		// ── Ark ───────────────────────────────────────────────────────────────
		{
			name:    "ark/missing model",
			cfg:     Config{Backend: BackendArk, Ark: ProviderArk{APIKey: "ark-key"}},
			wantErr: "ARK_MODEL",
		},

		// ── Gemini ────────────────────────────────────────────────────────────
		{
			name:    "gemini/missing api key",
			cfg:     Config{Backend: BackendGemini, Gemini: ProviderGemini{Model: "gemini-1.5-pro"}},
			wantErr: "GOOGLE_API_KEY",
		},

		{
			name:    "unknown backend",
			cfg:     Config{Backend: "bedrock"},
			wantErr: "unknown backend",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err.Error(), tc.wantErr)
			}
			if !errors.Is(err, rag.ErrConfiguration) {
				t.Errorf("Validate() error must match ErrConfiguration: %v", err)
			}
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), &Config{Backend: BackendOpenAI})
	if !errors.Is(err, rag.ErrConfiguration) {
		t.Fatalf("want ErrConfiguration, got %v", err)
	}
}

func TestNewOllamaNeedsNoNetwork(t *testing.T) {
	t.Parallel()
	m, err := New(context.Background(), &Config{
		Backend: BackendOllama,
		Ollama:  ProviderOllama{Host: "http://127.0.0.1:1", Model: "llama3"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m == nil {
		t.Fatal("New returned nil model")
	}
}

func TestModelName(t *testing.T) {
	t.Parallel()
	cfg := Config{Backend: BackendAzure, AzureOpenAI: ProviderAzureOpenAI{Deployment: "gpt-4.1"}}
	if got := cfg.ModelName(); got != "gpt-4.1" {
		t.Errorf("ModelName() = %q, want gpt-4.1", got)
	}
}

func TestIsAzureReasoningModel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		deployment string
		want       bool
	}{
		{"o1", true},
		{"o1-preview", true},
		{"o3-mini", true},
		{"o4-mini", true},
		{"O3-Mini", true}, // case-insensitive
		{"codex-mini", true},
		{"gpt-5.2-codex", false}, // prefix rule only
		{"gpt-4o", false},
		{"gpt-4.1", false},
		{"", false},
	}

	for _, tc := range tests {
		t.Run(tc.deployment, func(t *testing.T) {
			t.Parallel()
			if got := isAzureReasoningModel(tc.deployment); got != tc.want {
				t.Errorf("isAzureReasoningModel(%q) = %v, want %v", tc.deployment, got, tc.want)
			}
		})
	}
}
