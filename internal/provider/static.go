package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Static answers without any model, deterministically, for dry runs and tests. Without a fixed output it
// echoes the instruction and the first lines of the content.
type Static struct {
	Output       string
	Capabilities []Capability
}

func NewStatic(config Config) *Static {
	s := &Static{Capabilities: []Capability{StructuredOutput}}
	if output, ok := config.ExtraParameters["output"].(string); ok {
		s.Output = output
	}
	return s
}

func (s *Static) ID() string {
	return "static"
}

func (s *Static) Supports(c Capability) bool {
	for _, supported := range s.Capabilities {
		if supported == c {
			return true
		}
	}
	return false
}

func (s *Static) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = "echo"
	}
	prompt := buildPrompt(req)
	content := s.Output
	if content == "" {
		content = echo(req)
	}

	result := &Result{
		Content:  content,
		Provider: s.ID(),
		Model:    model,
		Usage: Usage{
			PromptTokens:     len(strings.Fields(prompt)),
			CompletionTokens: len(strings.Fields(content)),
		},
	}
	result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens

	if req.Wants(StructuredOutput) {
		sum := sha256.Sum256([]byte(req.Target.Content))
		structuredOut, err := json.Marshal(map[string]any{
			"instruction":    req.Instruction,
			"url":            req.Target.URL,
			"content_sha256": hex.EncodeToString(sum[:]),
			"links":          len(req.Target.Links),
		})
		if err != nil {
			return nil, err
		}
		result.Structured = structuredOut
	}
	return result, nil
}

func echo(req Request) string {
	lines := strings.Split(strings.TrimSpace(req.Target.Content), "\n")
	if len(lines) > 5 {
		lines = lines[:5]
	}
	return fmt.Sprintf("%s\n\n%s", req.Instruction, strings.Join(lines, "\n"))
}
