// Package provider puts language model vendors behind one interface with explicit capabilities.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Capability is an optional feature a request may ask a provider for.
type Capability string

const (
	// URLContext lets the model fetch the target url itself.
	URLContext Capability = "url_context"
	// SearchGrounding lets the model ground its answer in web search results.
	SearchGrounding Capability = "search_grounding"
	// StructuredOutput constrains the answer to JSON, optionally matching a schema.
	StructuredOutput Capability = "structured_output"
)

func ParseCapability(s string) (Capability, error) {
	switch c := Capability(s); c {
	case URLContext, SearchGrounding, StructuredOutput:
		return c, nil
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// Adapter is a language model vendor. Only Invoke does any I/O.
//
// note: fault injection point
type Adapter interface {
	ID() string
	Supports(c Capability) bool
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// Target is the content an extraction runs over.
type Target struct {
	URL     string
	Content string
	Links   []string
}

type Request struct {
	Target      Target
	Instruction string
	Provider    string
	// Model falls back to the adapter's default model when empty.
	Model string
	// Temperature falls back to the provider's configured temperature when nil.
	Temperature *float64

	Capabilities []Capability
	// Schema is a JSON schema for structured output.
	Schema json.RawMessage
	// ExtraParameters are vendor specific, adapters ignore the ones they do not understand.
	ExtraParameters map[string]any
}

// TemperatureOr returns the request's temperature, or fallback when the request leaves it unset.
func (r Request) TemperatureOr(fallback float64) float64 {
	if r.Temperature == nil {
		return fallback
	}
	return *r.Temperature
}

// Temperature is a helper for building requests.
func Temperature(t float64) *float64 {
	return &t
}

func (r Request) Wants(c Capability) bool {
	return slices.Contains(r.Capabilities, c)
}

// Validate checks what can be checked without knowing the provider.
func (r Request) Validate() error {
	if r.Instruction == "" {
		return fmt.Errorf("instruction is empty")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("temperature %v is outside [0, 2]", *r.Temperature)
	}
	if len(r.Schema) > 0 && !json.Valid(r.Schema) {
		return fmt.Errorf("schema is not valid JSON")
	}
	for _, c := range r.Capabilities {
		if _, err := ParseCapability(string(c)); err != nil {
			return err
		}
	}
	return nil
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Source is a document the provider cited, from grounding or url context.
type Source struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

type Result struct {
	Content    string          `json:"content"`
	Structured json.RawMessage `json:"structured,omitempty"`
	Usage      Usage           `json:"usage"`
	Latency    time.Duration   `json:"latency"`
	Sources    []Source        `json:"sources,omitempty"`
	Provider   string          `json:"provider"`
	Model      string          `json:"model"`
	Attempts   int             `json:"attempts"`
}

func extraFloat(extra map[string]any, key string) (float64, bool) {
	switch v := extra[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func extraInt(extra map[string]any, key string) (int, bool) {
	f, ok := extraFloat(extra, key)
	return int(f), ok
}

func extraBool(extra map[string]any, key string) bool {
	b, _ := extra[key].(bool)
	return b
}
