package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"authcrawl-backend/internal/components/telemetry"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"
	geminiDefaultModel   = "gemini-2.0-flash"
)

type Gemini struct {
	http  *resty.Client
	token string
	model string
	extra map[string]any

	// temperature is used for requests that leave theirs unset
	temperature float64
}

// NewGemini talks to the generateContent api. It supports url context and search grounding, which are turned
// on by the matching capability or by the enableUrlContext and enableGrounding extra parameters.
func NewGemini(config Config, tel telemetry.API) *Gemini {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}
	model := config.Model()
	if model == "" {
		model = geminiDefaultModel
	}

	return &Gemini{
		http:  newHTTPClient(baseURL, config.Timeout(), telemetry.NewScopedAPI("gemini", tel)),
		token: config.Token(),
		model: model,
		extra: config.ExtraParameters,

		temperature: config.Temperature,
	}
}

func (g *Gemini) ID() string {
	return "gemini"
}

func (g *Gemini) Supports(c Capability) bool {
	switch c {
	case URLContext, SearchGrounding, StructuredOutput:
		return true
	}
	return false
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64         `json:"temperature"`
	TopP             *float64        `json:"topP,omitempty"`
	TopK             *int            `json:"topK,omitempty"`
	MaxOutputTokens  *int            `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
	Tools             []map[string]any       `json:"tools,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content           geminiContent `json:"content"`
		FinishReason      string        `json:"finishReason"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				Web *struct {
					URI   string `json:"uri"`
					Title string `json:"title"`
				} `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
		URLContextMetadata *struct {
			URLMetadata []struct {
				RetrievedURL string `json:"retrievedUrl"`
			} `json:"urlMetadata"`
		} `json:"urlContextMetadata"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (g *Gemini) body(req Request) geminiRequest {
	extra := mergeExtra(g.extra, req.ExtraParameters)
	body := geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}},
		Contents:          []geminiContent{{Role: "user", Parts: []geminiPart{{Text: buildPrompt(req)}}}},
		GenerationConfig:  geminiGenerationConfig{Temperature: req.TemperatureOr(g.temperature)},
	}
	if v, ok := extraFloat(extra, "topP"); ok {
		body.GenerationConfig.TopP = &v
	}
	if v, ok := extraInt(extra, "topK"); ok {
		body.GenerationConfig.TopK = &v
	}
	if v, ok := extraInt(extra, "maxOutputTokens"); ok {
		body.GenerationConfig.MaxOutputTokens = &v
	}
	if req.Wants(StructuredOutput) {
		body.GenerationConfig.ResponseMimeType = "application/json"
		body.GenerationConfig.ResponseSchema = req.Schema
	}
	if req.Wants(URLContext) || extraBool(extra, "enableUrlContext") {
		body.Tools = append(body.Tools, map[string]any{"url_context": map[string]any{}})
	}
	if req.Wants(SearchGrounding) || extraBool(extra, "enableGrounding") {
		body.Tools = append(body.Tools, map[string]any{"google_search": map[string]any{}})
	}
	return body
}

func (g *Gemini) Invoke(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}
	ctx, span := tracer.Start(ctx, "gemini.Invoke", trace.WithAttributes(
		attribute.String("model", model),
	))
	defer span.End()

	start := time.Now()
	res, err := g.http.R().
		SetContext(ctx).
		SetHeader("x-goog-api-key", g.token).
		SetBody(g.body(req)).
		Post("/v1beta/models/" + model + ":generateContent")
	err = classify(g.ID(), model, res, err)
	if err != nil {
		return nil, fail(span, err)
	}

	var parsed geminiResponse
	err = json.Unmarshal(res.Body(), &parsed)
	if err != nil {
		return nil, fail(span, malformed(g.ID(), model, err))
	}
	if len(parsed.Candidates) == 0 {
		return nil, fail(span, malformed(g.ID(), model, errNoCandidates))
	}

	candidate := parsed.Candidates[0]
	var content strings.Builder
	for _, part := range candidate.Content.Parts {
		content.WriteString(part.Text)
	}

	result := &Result{
		Content: content.String(),
		Usage: Usage{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
		},
		Latency:  time.Since(start),
		Provider: g.ID(),
		Model:    model,
	}
	if candidate.GroundingMetadata != nil {
		for _, chunk := range candidate.GroundingMetadata.GroundingChunks {
			if chunk.Web != nil {
				result.Sources = append(result.Sources, Source{Title: chunk.Web.Title, URL: chunk.Web.URI})
			}
		}
	}
	if candidate.URLContextMetadata != nil {
		for _, meta := range candidate.URLContextMetadata.URLMetadata {
			result.Sources = append(result.Sources, Source{URL: meta.RetrievedURL})
		}
	}
	if req.Wants(StructuredOutput) {
		result.Structured, err = structured(g.ID(), model, result.Content)
		if err != nil {
			return nil, fail(span, err)
		}
	}
	span.SetAttributes(attribute.Int("total_tokens", result.Usage.TotalTokens))
	return result, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
