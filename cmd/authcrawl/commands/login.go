package commands

import (
	"fmt"
	"os"

	"authcrawl-backend/internal/interpreter"
	"authcrawl-backend/internal/login"
	"authcrawl-backend/internal/script"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	loginURL      *string
	loginScript   *string
	loginSession  *string
	loginLabel    *string
	loginVars     *map[string]string
	loginVarsEnv  *map[string]string
	loginAttempts *int
)

func init() {
	loginURL = loginCmd.Flags().String("url", "", "The page the login starts on.")
	loginScript = loginCmd.Flags().String("script", "", "The login script to run.")
	loginSession = loginCmd.Flags().String("session", "", "Log in again with an existing session instead of creating one.")
	loginLabel = loginCmd.Flags().String("label", "", "A name for the new session.")
	loginVars = loginCmd.Flags().StringToString("var", nil, "Script variables, name=value.")
	loginVarsEnv = loginCmd.Flags().StringToString("var-env", nil, "Script variables read from the environment, name=ENV_VAR. Use this for passwords.")
	loginAttempts = loginCmd.Flags().Int("attempts", 1, "How many times to try logging in.")
	loginCmd.MarkFlagRequired("url")
	loginCmd.MarkFlagRequired("script")
	rootCmd.AddCommand(loginCmd)
}

func bindings() (interpreter.Bindings, error) {
	out := interpreter.Bindings{}
	for name, value := range *loginVars {
		out[name] = value
	}
	for name, env := range *loginVarsEnv {
		value, ok := os.LookupEnv(env)
		if !ok {
			return nil, fmt.Errorf("variable %s: %s is not set", name, env)
		}
		out[name] = value
	}
	return out, nil
}

var loginCmd = &cobra.Command{
	Use:   "login --url <url> --script <path/to/script> [--session <id>]",
	Short: "Runs a login script and keeps the authenticated session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := os.ReadFile(*loginScript)
		if err != nil {
			return err
		}
		parsed, err := script.Parse(string(text), cfg.ScriptOptions()...)
		if err != nil {
			return fmt.Errorf("%s: %w", *loginScript, err)
		}
		vars, err := bindings()
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.runner.RunWithRetry(cmd.Context(), login.Request{
			SessionID: *loginSession,
			Label:     *loginLabel,
			URL:       *loginURL,
			Script:    parsed,
			Bindings:  vars,
		}, login.RetryPolicy{MaxAttempts: *loginAttempts})
		if result != nil {
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Session", "Ended on", "Instructions", "Page calls", "Attempts"})
			t.AppendRow(table.Row{result.SessionID, result.URL, result.Stats.Executed, result.Stats.PageCalls, result.Attempts})
			t.SetStyle(table.StyleRounded)
			t.Render()
		}
		return err
	},
}
