package provider

import (
	"os"

	"github.com/theirongolddev/spendwatch/internal/config"
	"github.com/theirongolddev/spendwatch/internal/credentials"
	"github.com/theirongolddev/spendwatch/internal/source"
)

// Set is the outcome of wiring providers from configuration. Unconfigured
// providers are enabled but lack credentials or data; they are never
// scheduled.
type Set struct {
	Providers    []Provider
	Unconfigured []string
}

// FromConfig builds every enabled provider. tailer may be nil when the local
// logs are not being read.
func FromConfig(cfg *config.Config, creds credentials.Lookup, tailer Poller) Set {
	var set Set
	add := func(id string, p Provider, ok bool) {
		if !cfg.ProviderEnabled(id) {
			return
		}
		if !ok {
			set.Unconfigured = append(set.Unconfigured, id)
			return
		}
		set.Providers = append(set.Providers, p)
	}

	pc := cfg.Providers

	org, _ := creds.Get("OPENAI_ORG_ID")
	oa := NewOpenAI(credentials.Keys(creds, "OPENAI_API_KEY"), org,
		pc[config.ProviderOpenAI].BaseURL, pc[config.ProviderOpenAI].BackfillDays)
	add(config.ProviderOpenAI, oa, oa != nil)

	or := NewOpenRouter(credentials.Keys(creds, "OPENROUTER_API_KEY"), pc[config.ProviderOpenRouter].BaseURL)
	add(config.ProviderOpenRouter, or, or != nil)

	hf := NewHuggingFace(credentials.Keys(creds, "HUGGINGFACE_API_TOKEN", "HUGGINGFACE_API_KEY", "HF_TOKEN"),
		pc[config.ProviderHuggingFace].BaseURL)
	add(config.ProviderHuggingFace, hf, hf != nil)

	sk, _ := creds.Get("CLAUDE_SESSION_KEY")
	ca := NewClaudeAI(sk, pc[config.ProviderClaudeAI].BaseURL)
	add(config.ProviderClaudeAI, ca, ca != nil)

	_, statErr := os.Stat(source.ProjectsDir(cfg.ClaudeDir()))
	if tailer != nil && statErr == nil {
		add(config.ProviderClaudeCode, NewClaudeCode(tailer), true)
	} else {
		add(config.ProviderClaudeCode, nil, false)
	}

	return set
}
