// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

// Package metering relays third-party model API calls on behalf of gateway
// instances. It authenticates callers by per-instance secret, substitutes
// the real provider credential, streams responses through unbuffered, and
// serves synthetic provider-shaped replies when a user is out of credits.
//
// The relay observes usage for metrics and logs only. Charged cost always
// comes from reconciling each instance's own usage report against the
// credit ledger.
package metering

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelPricing holds per-model list prices in dollars per million tokens
type ModelPricing struct {
	PromptUSDPer1M     float64 `yaml:"prompt_usd_per_1m"`
	CompletionUSDPer1M float64 `yaml:"completion_usd_per_1m"`
}

// PricingTable maps "provider-model" keys to pricing
type PricingTable struct {
	Models map[string]ModelPricing `yaml:"models"`
}

// DefaultPricing returns the built-in pricing table
func DefaultPricing() *PricingTable {
	return &PricingTable{
		Models: map[string]ModelPricing{
			// Anthropic
			"anthropic-claude-3-5-sonnet": {3, 15},
			"anthropic-claude-3-5-haiku":  {0.8, 4},
			"anthropic-claude-3-opus":     {15, 75},

			// OpenAI
			"openai-gpt-4o":      {2.5, 10},
			"openai-gpt-4o-mini": {0.15, 0.6},
			"openai-gpt-4-turbo": {10, 30},

			// Conservative fallback for unknown models
			"default": {10, 30},
		},
	}
}

// LoadPricing reads a YAML pricing file and merges it over the defaults.
// An empty path returns the defaults unchanged.
func LoadPricing(path string) (*PricingTable, error) {
	table := DefaultPricing()
	if path == "" {
		return table, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}

	var override PricingTable
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}

	for key, pricing := range override.Models {
		table.Models[key] = pricing
	}

	return table, nil
}

// CostUSD estimates the dollar cost of a model call. Unknown models fall
// back to the "default" entry.
func (t *PricingTable) CostUSD(provider, model string, promptTokens, completionTokens int) float64 {
	pricing, ok := t.Models[provider+"-"+model]
	if !ok {
		pricing = t.Models["default"]
	}

	promptCost := float64(promptTokens) * pricing.PromptUSDPer1M / 1_000_000
	completionCost := float64(completionTokens) * pricing.CompletionUSDPer1M / 1_000_000

	return promptCost + completionCost
}
