package provider

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// tokenEnv is where each vendor's token is looked up when the configuration names none.
var tokenEnv = map[string]string{
	"gemini": "GEMINI_API_KEY",
	"openai": "OPENAI_API_KEY",
	"zhipu":  "ZHIPUAI_API_KEY",
}

// Config configures one provider. It is safe to log, tokens are redacted.
type Config struct {
	// Provider is "vendor/model", for example "gemini/gemini-2.0-flash".
	Provider    string `json:"provider"`
	APIToken    string `json:"api_token"`
	APITokenEnv string `json:"api_token_env"`
	// Temperature is the default for requests that leave it unset.
	Temperature     float64        `json:"temperature"`
	BaseURL         string         `json:"base_url"`
	TimeoutSeconds  int            `json:"timeout_seconds"`
	ExtraParameters map[string]any `json:"extra_parameters"`
}

// ParseProvider splits "vendor/model". The model may itself contain slashes.
func ParseProvider(provider string) (vendor, model string, err error) {
	vendor, model, ok := strings.Cut(provider, "/")
	if !ok || vendor == "" || model == "" {
		return "", "", fmt.Errorf("provider %q must look like vendor/model", provider)
	}
	return strings.ToLower(vendor), model, nil
}

func (c Config) Vendor() string {
	vendor, _, _ := ParseProvider(c.Provider)
	return vendor
}

func (c Config) Model() string {
	_, model, _ := ParseProvider(c.Provider)
	return model
}

// Token resolves the api token: an explicit token wins, then the configured variable, then the vendor's
// conventional variable.
func (c Config) Token() string {
	if c.APIToken != "" {
		return c.APIToken
	}
	if c.APITokenEnv != "" {
		return os.Getenv(c.APITokenEnv)
	}
	if env, ok := tokenEnv[c.Vendor()]; ok {
		return os.Getenv(env)
	}
	return ""
}

func (c Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c Config) Validate() error {
	vendor, _, err := ParseProvider(c.Provider)
	if err != nil {
		return err
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%s: temperature %v is outside [0, 2]", c.Provider, c.Temperature)
	}
	if vendor != "static" && c.Token() == "" {
		env := c.APITokenEnv
		if env == "" {
			env = tokenEnv[vendor]
		}
		return fmt.Errorf("%s: no api token, set %s", c.Provider, env)
	}
	return nil
}

func (c Config) LogValue() slog.Value {
	token := ""
	if c.Token() != "" {
		token = "REDACTED"
	}
	return slog.GroupValue(
		slog.String("provider", c.Provider),
		slog.String("base_url", c.BaseURL),
		slog.String("api_token", token),
		slog.String("api_token_env", c.APITokenEnv),
		slog.Float64("temperature", c.Temperature),
	)
}
