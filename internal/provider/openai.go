package provider

import (
	"context"
	"encoding/json"
	"time"

	"authcrawl-backend/internal/components/telemetry"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// chatDialect is what differs between vendors speaking the chat completions protocol.
type chatDialect struct {
	id           string
	baseURL      string
	defaultModel string
	capabilities []Capability
	// params are the extra parameters copied into the request body as they are
	params []string
	// tools adds vendor tools for the requested capabilities
	tools func(req Request) []map[string]any
	// responseFormat builds the response_format field for structured output
	responseFormat func(req Request) map[string]any
}

var openaiDialect = chatDialect{
	id:           "openai",
	baseURL:      "https://api.openai.com/v1",
	defaultModel: "gpt-4o-mini",
	capabilities: []Capability{StructuredOutput},
	params:       []string{"max_tokens", "top_p", "seed", "presence_penalty", "frequency_penalty"},
	responseFormat: func(req Request) map[string]any {
		if len(req.Schema) == 0 {
			return map[string]any{"type": "json_object"}
		}
		return map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "extraction",
				"schema": req.Schema,
			},
		}
	},
}

var zhipuDialect = chatDialect{
	id:           "zhipu",
	baseURL:      "https://open.bigmodel.cn/api/paas/v4",
	defaultModel: "glm-4-flash",
	capabilities: []Capability{SearchGrounding, StructuredOutput},
	params:       []string{"max_tokens", "top_p", "do_sample"},
	tools: func(req Request) []map[string]any {
		if !req.Wants(SearchGrounding) {
			return nil
		}
		return []map[string]any{{
			"type":       "web_search",
			"web_search": map[string]any{"enable": true, "search_result": true},
		}}
	},
	responseFormat: func(Request) map[string]any {
		return map[string]any{"type": "json_object"}
	},
}

// Chat is an adapter for vendors speaking the OpenAI chat completions protocol.
type Chat struct {
	dialect chatDialect
	http    *resty.Client
	token   string
	model   string
	extra   map[string]any

	temperature float64
}

func NewOpenAI(config Config, tel telemetry.API) *Chat {
	return newChat(openaiDialect, config, tel)
}

// NewZhipu talks to Zhipu GLM models through their OpenAI compatible api. Search grounding uses the web_search
// tool.
func NewZhipu(config Config, tel telemetry.API) *Chat {
	return newChat(zhipuDialect, config, tel)
}

func newChat(dialect chatDialect, config Config, tel telemetry.API) *Chat {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = dialect.baseURL
	}
	model := config.Model()
	if model == "" {
		model = dialect.defaultModel
	}
	return &Chat{
		dialect: dialect,
		http:    newHTTPClient(baseURL, config.Timeout(), telemetry.NewScopedAPI(dialect.id, tel)),
		token:   config.Token(),
		model:   model,
		extra:   config.ExtraParameters,

		temperature: config.Temperature,
	}
}

func (c *Chat) ID() string {
	return c.dialect.id
}

func (c *Chat) Supports(capability Capability) bool {
	for _, supported := range c.dialect.capabilities {
		if supported == capability {
			return true
		}
	}
	return false
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	// zhipu reports the pages the web_search tool used here
	WebSearch []struct {
		Title string `json:"title"`
		Link  string `json:"link"`
	} `json:"web_search"`
}

func (c *Chat) body(req Request, model string) map[string]any {
	body := map[string]any{
		"model": model,
		"messages": []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(req)},
		},
		"temperature": req.TemperatureOr(c.temperature),
	}
	extra := mergeExtra(c.extra, req.ExtraParameters)
	for _, param := range c.dialect.params {
		if v, ok := extra[param]; ok {
			body[param] = v
		}
	}
	if c.dialect.tools != nil {
		if tools := c.dialect.tools(req); len(tools) > 0 {
			body["tools"] = tools
		}
	}
	if req.Wants(StructuredOutput) && c.dialect.responseFormat != nil {
		body["response_format"] = c.dialect.responseFormat(req)
	}
	return body
}

func (c *Chat) Invoke(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	ctx, span := tracer.Start(ctx, c.dialect.id+".Invoke", trace.WithAttributes(
		attribute.String("model", model),
	))
	defer span.End()

	start := time.Now()
	res, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.token).
		SetBody(c.body(req, model)).
		Post("/chat/completions")
	err = classify(c.ID(), model, res, err)
	if err != nil {
		return nil, fail(span, err)
	}

	var parsed chatResponse
	err = json.Unmarshal(res.Body(), &parsed)
	if err != nil {
		return nil, fail(span, malformed(c.ID(), model, err))
	}
	if len(parsed.Choices) == 0 {
		return nil, fail(span, malformed(c.ID(), model, errNoCandidates))
	}

	result := &Result{
		Content:  parsed.Choices[0].Message.Content,
		Usage:    parsed.Usage,
		Latency:  time.Since(start),
		Provider: c.ID(),
		Model:    model,
	}
	for _, page := range parsed.WebSearch {
		result.Sources = append(result.Sources, Source{Title: page.Title, URL: page.Link})
	}
	if req.Wants(StructuredOutput) {
		result.Structured, err = structured(c.ID(), model, result.Content)
		if err != nil {
			return nil, fail(span, err)
		}
	}
	span.SetAttributes(attribute.Int("total_tokens", result.Usage.TotalTokens))
	return result, nil
}
