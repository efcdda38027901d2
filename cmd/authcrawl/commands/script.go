package commands

import (
	"errors"
	"os"

	"authcrawl-backend/internal/script"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	scriptCmd.AddCommand(scriptCheckCmd)
	rootCmd.AddCommand(scriptCmd)
}

var scriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Works with login scripts.",
}

var errInvalidScripts = errors.New("some scripts are invalid")

var scriptCheckCmd = &cobra.Command{
	Use:   "check <script>...",
	Short: "Parses scripts and reports syntax errors without running them.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Script", "Result", "Instructions", "Procedures"})

		invalid := false
		for _, path := range args {
			text, err := os.ReadFile(path)
			if err != nil {
				t.AppendRow(table.Row{path, err.Error(), "", ""})
				invalid = true
				continue
			}
			parsed, err := script.Parse(string(text), cfg.ScriptOptions()...)
			if err != nil {
				t.AppendRow(table.Row{path, err.Error(), "", ""})
				invalid = true
				continue
			}
			count := 0
			script.Walk(parsed.Instructions, func(script.Instruction) { count++ })
			t.AppendRow(table.Row{path, "ok", count, len(parsed.Procedures)})
		}

		t.SetStyle(table.StyleRounded)
		t.Render()
		if invalid {
			return errInvalidScripts
		}
		return nil
	},
}
