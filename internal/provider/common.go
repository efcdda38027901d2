package provider

import (
	"encoding/json"
	"errors"
	"maps"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("authcrawl.internal.provider")

var errNoCandidates = errors.New("response has no candidates")

// mergeExtra overlays per request extra parameters on the configured ones.
func mergeExtra(configured, request map[string]any) map[string]any {
	out := make(map[string]any, len(configured)+len(request))
	maps.Copy(out, configured)
	maps.Copy(out, request)
	return out
}

// structured validates a structured answer. An answer that is not JSON is treated like any other malformed
// response, another attempt usually fixes it.
func structured(provider, model, content string) (json.RawMessage, error) {
	payload := jsonPayload(content)
	if !json.Valid([]byte(payload)) {
		return nil, malformed(provider, model, errors.New("structured output is not valid JSON"))
	}
	return json.RawMessage(payload), nil
}
