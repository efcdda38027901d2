package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"

	"authcrawl-backend/internal/monitor"
	"authcrawl-backend/internal/provider"
	"authcrawl-backend/pkg/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	extractSession      *string
	extractURL          *string
	extractFile         *string
	extractProvider     *string
	extractInstruction  *string
	extractCapabilities *[]string
	extractSchema       *string
	extractTemperature  *float64
	extractExtra        *map[string]string
)

func init() {
	extractSession = extractCmd.Flags().String("session", "", "Read the page with an authenticated session.")
	extractURL = extractCmd.Flags().String("url", "", "The page to extract from.")
	extractFile = extractCmd.Flags().String("file", "", "Extract from a saved html file instead of fetching the page.")
	extractProvider = extractCmd.Flags().String("provider", "static", "The provider, either <vendor> or <vendor>/<model>.")
	extractInstruction = extractCmd.Flags().String("instruction", "", "What to extract.")
	extractCapabilities = extractCmd.Flags().StringSlice("capability", nil, "Provider capabilities to use (url_context, search_grounding, structured_output).")
	extractSchema = extractCmd.Flags().String("schema", "", "A json schema file the structured output must follow.")
	extractTemperature = extractCmd.Flags().Float64("temperature", 0, "Sampling temperature in [0, 2], the provider's configured temperature when unset.")
	extractExtra = extractCmd.Flags().StringToString("extra", nil, "Extra provider parameters, name=json value.")
	extractCmd.MarkFlagRequired("instruction")
	rootCmd.AddCommand(extractCmd)
}

func parseExtra(raw map[string]string) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]any, len(raw))
	for key, value := range raw {
		var parsed any
		err := json.Unmarshal([]byte(value), &parsed)
		if err != nil {
			// bare words are taken as strings
			parsed = value
		}
		out[key] = parsed
	}
	return out
}

func readFile(ctx context.Context, path, pageURL string) (provider.Target, error) {
	f, err := os.Open(path)
	if err != nil {
		return provider.Target{}, err
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return provider.Target{}, err
	}
	var base *url.URL
	if pageURL != "" {
		base, err = url.Parse(pageURL)
		if err != nil {
			return provider.Target{}, err
		}
	}
	target := provider.Target{URL: pageURL, Content: htmlutil.VisibleText(doc)}
	for _, a := range htmlutil.GetAnchors(ctx, doc.Find("a"), base) {
		target.Links = append(target.Links, a.Href)
	}
	return target, nil
}

var extractCmd = &cobra.Command{
	Use:   "extract --instruction <text> (--url <url> | --file <path>)",
	Short: "Extracts information from a page with a language model provider.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if *extractURL == "" && *extractFile == "" {
			return errors.New("one of --url or --file is required")
		}

		req := provider.Request{
			Instruction: *extractInstruction,
			Provider:    *extractProvider,
		}
		if cmd.Flags().Changed("temperature") {
			req.Temperature = provider.Temperature(*extractTemperature)
		}
		for _, raw := range *extractCapabilities {
			c, err := provider.ParseCapability(raw)
			if err != nil {
				return err
			}
			req.Capabilities = append(req.Capabilities, c)
		}
		if *extractSchema != "" {
			schema, err := os.ReadFile(*extractSchema)
			if err != nil {
				return err
			}
			req.Schema = schema
		}
		req.ExtraParameters = parseExtra(*extractExtra)

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		err = a.withExtraction()
		if err != nil {
			return err
		}

		if *extractFile != "" {
			req.Target, err = readFile(cmd.Context(), *extractFile, *extractURL)
		} else {
			req.Target, err = a.fetcher().Fetch(cmd.Context(), monitor.Job{
				URL:       *extractURL,
				SessionID: *extractSession,
			})
		}
		if err != nil {
			return err
		}

		result, err := a.extraction.Extract(cmd.Context(), req)
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	},
}

func printResult(result *provider.Result) {
	fmt.Println(result.Content)
	if len(result.Structured) > 0 {
		var indented bytes.Buffer
		if json.Indent(&indented, result.Structured, "", "  ") == nil {
			fmt.Println(indented.String())
		} else {
			fmt.Println(string(result.Structured))
		}
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Provider", "Model", "Attempts", "Latency", "Prompt", "Completion", "Total"})
	t.AppendRow(table.Row{
		result.Provider,
		result.Model,
		result.Attempts,
		result.Latency.String(),
		result.Usage.PromptTokens,
		result.Usage.CompletionTokens,
		result.Usage.TotalTokens,
	})
	t.SetStyle(table.StyleRounded)
	t.Render()

	if len(result.Sources) == 0 {
		return
	}
	sources := table.NewWriter()
	sources.SetOutputMirror(os.Stdout)
	sources.AppendHeader(table.Row{"Source", "URL"})
	for _, s := range result.Sources {
		sources.AppendRow(table.Row{s.Title, s.URL})
	}
	sources.SetStyle(table.StyleRounded)
	sources.Render()
}
