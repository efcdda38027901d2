package provider

import (
	"strings"
)

const systemPrompt = "You extract information from web page content. Follow the instruction exactly, " +
	"use only the given content unless told otherwise and do not invent facts."

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(req.Instruction)
	if req.Target.URL != "" {
		b.WriteString("\n\nSource URL: ")
		b.WriteString(req.Target.URL)
	}
	if len(req.Target.Links) > 0 {
		b.WriteString("\n\nLinked URLs:")
		for _, link := range req.Target.Links {
			b.WriteString("\n- ")
			b.WriteString(link)
		}
	}
	if req.Target.Content != "" {
		b.WriteString("\n\nContent:\n")
		b.WriteString(req.Target.Content)
	}
	if req.Wants(StructuredOutput) {
		b.WriteString("\n\nRespond with a single JSON value and nothing else.")
		if len(req.Schema) > 0 {
			b.WriteString(" It must match this JSON schema:\n")
			b.Write(req.Schema)
		}
	}
	return b.String()
}

// jsonPayload pulls the JSON out of a model answer, which sometimes arrives in a markdown code fence.
func jsonPayload(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	}
	return strings.TrimSpace(trimmed)
}
