package models

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Entry describes a selectable chat model.
type Entry struct {
	ID               string `json:"id" yaml:"id"`
	Name             string `json:"name" yaml:"name"`
	Provider         string `json:"provider,omitempty" yaml:"provider"`
	MaxTokens        int    `json:"max_tokens,omitempty" yaml:"max_tokens"`
	SupportsThinking bool   `json:"supports_thinking" yaml:"supports_thinking"`
}

// Catalog holds the models exposed to clients with simple lookups.
type Catalog struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[string]Entry
}

// defaultEntries mirrors the curated model set the service ships with.
var defaultEntries = []Entry{
	{ID: "Qwen/Qwen2.5-7B-Instruct", Name: "Qwen 2.5 7B", Provider: "alibaba", MaxTokens: 8192},
	{ID: "THUDM/glm-4-9b-chat", Name: "GLM-4 9B", Provider: "zhipu", MaxTokens: 8192},
	{ID: "Pro/MiniMaxAI/MiniMax-M2.5", Name: "MiniMax M2.5", Provider: "minimax", MaxTokens: 8192},
	{ID: "deepseek-ai/DeepSeek-V3.2", Name: "DeepSeek V3.2", Provider: "deepseek", MaxTokens: 16384, SupportsThinking: true},
}

// NewCatalog returns a catalog seeded with the built-in model set.
func NewCatalog() *Catalog {
	c := &Catalog{}
	c.replace(defaultEntries)
	return c
}

// LoadFile replaces the catalog with entries parsed from a YAML file.
//
// File format:
//
//	models:
//	  - id: deepseek-ai/DeepSeek-V3.2
//	    name: DeepSeek V3.2
//	    provider: deepseek
//	    max_tokens: 16384
//	    supports_thinking: true
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read model catalog %s: %w", path, err)
	}
	var doc struct {
		Models []Entry `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse model catalog %s: %w", path, err)
	}
	var valid []Entry
	for _, e := range doc.Models {
		if strings.TrimSpace(e.ID) == "" {
			continue
		}
		valid = append(valid, e)
	}
	if len(valid) == 0 {
		return fmt.Errorf("model catalog %s contains no models", path)
	}
	c.replace(valid)
	return nil
}

func (c *Catalog) replace(entries []Entry) {
	byID := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	c.mu.Lock()
	c.entries = append([]Entry(nil), entries...)
	c.byID = byID
	c.mu.Unlock()
}

// List returns all catalog entries in declaration order.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Entry(nil), c.entries...)
}

// Lookup returns the entry for the model id, if known.
func (c *Catalog) Lookup(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	return e, ok
}

// SupportsThinking reports whether the model accepts extended-reasoning flags.
// Unknown models never support thinking.
func (c *Catalog) SupportsThinking(id string) bool {
	e, ok := c.Lookup(id)
	return ok && e.SupportsThinking
}
