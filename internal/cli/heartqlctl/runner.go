package heartqlctl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	Format     string
	HTTPClient *http.Client
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

type envSettings struct {
	BaseURL string        `env:"URL" envDefault:"http://localhost:8080"`
	APIKey  string        `env:"API_KEY"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"60s"`
	Format  string        `env:"FORMAT" envDefault:"table"`
}

// OptionsFromEnv reads HEARTQL_URL, HEARTQL_API_KEY, HEARTQL_TIMEOUT and
// HEARTQL_FORMAT. Flags still take precedence.
func OptionsFromEnv() (Options, error) {
	var settings envSettings
	if err := env.ParseWithOptions(&settings, env.Options{Prefix: "HEARTQL_"}); err != nil {
		return Options{}, fmt.Errorf("parse environment: %w", err)
	}
	return Options{
		BaseURL: settings.BaseURL,
		APIKey:  settings.APIKey,
		Timeout: settings.Timeout,
		Format:  settings.Format,
	}, nil
}

// Run executes one heartqlctl invocation and returns the process exit code.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	root := newRootCommand(defaults, stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		var apiErr *APIError
		var usageErr usageError
		switch {
		case errors.As(err, &apiErr):
			_, _ = fmt.Fprintf(stderr, "error: %s\n", apiErr.Error())
			if apiErr.SQL != "" {
				_, _ = fmt.Fprintf(stderr, "sql: %s\n", apiErr.SQL)
			}
			if apiErr.TraceID != "" {
				_, _ = fmt.Fprintf(stderr, "trace: %s\n", apiErr.TraceID)
			}
			return 1
		case errors.As(err, &usageErr):
			_, _ = fmt.Fprintf(stderr, "error: %v\n\n%s", err, root.UsageString())
			return 2
		default:
			_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
	}
	return 0
}

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }

type session struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	format  string

	httpClient *http.Client
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
}

func (s *session) client() *apiClient {
	httpClient := s.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: s.timeout}
	}
	return &apiClient{baseURL: s.baseURL, apiKey: s.apiKey, http: httpClient}
}

func newRootCommand(defaults Options, stdout, stderr io.Writer) *cobra.Command {
	s := &session{
		httpClient: defaults.HTTPClient,
		stdin:      defaults.Stdin,
		stdout:     stdout,
		stderr:     stderr,
	}
	if s.stdin == nil {
		s.stdin = strings.NewReader("")
	}

	root := &cobra.Command{
		Use:           "heartqlctl",
		Short:         "Ask the HeartQL API questions about the heart-disease dataset",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := validateFormat(s.format); err != nil {
				return usageError{err}
			}
			if !isTerminal(s.stdout) {
				pterm.DisableStyling()
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	flags := root.PersistentFlags()
	flags.StringVar(&s.baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "HeartQL API base URL")
	flags.StringVar(&s.apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	flags.DurationVar(&s.timeout, "timeout", durationOr(defaults.Timeout, 60*time.Second), "HTTP timeout (e.g. 60s)")
	flags.StringVarP(&s.format, "format", "o", firstNonEmpty(defaults.Format, formatTable), "Output format (table|json|csv)")

	root.AddCommand(
		newAskCmd(s),
		newChatCmd(s),
		newTranslateCmd(s),
		newSchemaCmd(s),
		newDictionaryCmd(s),
		newStatusCmd(s, "health", "/v1/health", "Check that the API process is up"),
		newStatusCmd(s, "ready", "/v1/ready", "Check that the model and database are reachable"),
	)
	return root
}

func newAskCmd(s *session) *cobra.Command {
	var outPath, outFormat string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Translate a question to SQL, run it and print the rows",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			if outPath != "" {
				return s.exportAnswer(cmd.Context(), question, outFormat, outPath)
			}
			return s.ask(cmd.Context(), question)
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "Write the rows to this file instead of printing them")
	cmd.Flags().StringVar(&outFormat, "out-format", "csv", "File format for --out (csv|parquet)")
	return cmd
}

// newChatCmd reads one question per line until EOF or "exit".
func newChatCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Ask questions interactively, one per line",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			interactive := isTerminal(s.stdin)
			scanner := bufio.NewScanner(s.stdin)
			for {
				if interactive {
					_, _ = fmt.Fprint(s.stdout, "heartql> ")
				}
				if !scanner.Scan() {
					return scanner.Err()
				}
				question := strings.TrimSpace(scanner.Text())
				switch question {
				case "":
					continue
				case "exit", "quit":
					return nil
				}
				if err := s.ask(cmd.Context(), question); err != nil {
					var apiErr *APIError
					if !errors.As(err, &apiErr) {
						return err
					}
					_, _ = fmt.Fprintf(s.stderr, "error: %s\n", apiErr.Error())
				}
			}
		},
	}
}

func newTranslateCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "translate <question>",
		Short: "Show the SQL a question translates to without running it",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := s.withSpinner("Translating", func() ([]byte, error) {
				body, _, err := s.client().call(cmd.Context(), http.MethodPost, "/v1/translate", map[string]string{"question": strings.Join(args, " ")})
				return body, err
			})
			if err != nil {
				return err
			}
			if s.format == formatJSON {
				return writePrettyJSON(s.stdout, raw)
			}
			var result translateResult
			if err := decodeInto(raw, &result); err != nil {
				return err
			}
			_, err = fmt.Fprintln(s.stdout, result.SQL)
			return err
		},
	}
}

func newSchemaCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "List the columns of the dataset table",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, _, err := s.client().call(cmd.Context(), http.MethodGet, "/v1/schema", nil)
			if err != nil {
				return err
			}
			if s.format == formatJSON {
				return writePrettyJSON(s.stdout, raw)
			}
			var result schemaResult
			if err := decodeInto(raw, &result); err != nil {
				return err
			}
			return renderSchema(s.stdout, s.format, result)
		},
	}
}

func newDictionaryCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "dictionary",
		Short: "Show the data dictionary grouped by topic",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, _, err := s.client().call(cmd.Context(), http.MethodGet, "/v1/dictionary", nil)
			if err != nil {
				return err
			}
			if s.format == formatJSON {
				return writePrettyJSON(s.stdout, raw)
			}
			var result dictionaryResult
			if err := decodeInto(raw, &result); err != nil {
				return err
			}
			return renderDictionary(s.stdout, s.format, result)
		},
	}
}

func newStatusCmd(s *session, use, path, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, _, err := s.client().call(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return writePrettyJSON(s.stdout, raw)
		},
	}
}

func (s *session) ask(ctx context.Context, question string) error {
	raw, err := s.withSpinner("Asking", func() ([]byte, error) {
		body, _, err := s.client().call(ctx, http.MethodPost, "/v1/ask", map[string]string{"question": question})
		return body, err
	})
	if err != nil {
		return err
	}
	if s.format == formatJSON {
		return writePrettyJSON(s.stdout, raw)
	}
	var result askResult
	if err := decodeInto(raw, &result); err != nil {
		return err
	}
	return renderAnswer(s.stdout, s.format, result)
}

func (s *session) exportAnswer(ctx context.Context, question, format, path string) error {
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "csv" && format != "parquet" {
		return usageError{fmt.Errorf("unsupported --out-format %q", format)}
	}
	var rowCount string
	raw, err := s.withSpinner("Exporting", func() ([]byte, error) {
		body, header, err := s.client().call(ctx, http.MethodPost, "/v1/ask/export", map[string]string{"question": question, "format": format})
		if err == nil {
			rowCount = header.Get("X-HeartQL-Row-Count")
		}
		return body, err
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	_, err = fmt.Fprintf(s.stderr, "wrote %s rows to %s\n", firstNonEmpty(rowCount, "?"), path)
	return err
}

func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
