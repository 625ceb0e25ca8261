package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hintwise/api/internal/completion"
	"hintwise/api/internal/completion/gemini"
	"hintwise/api/internal/config"
	"hintwise/api/internal/logging"
	"hintwise/api/internal/suggest"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultModel = "gemini-2.5-flash"

var rootCmd = &cobra.Command{
	Use:           "hintwise",
	Short:         "Telegram tutor bot that answers questions with hints instead of answers",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBot(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(newSuggestionsCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	// .env необязателен: на платформе переменные приходят из окружения
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "hintwise: .env: %v\n", err)
	}
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "hintwise: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "hintwise "+version)
		},
	}
}

func newSuggestionsCmd() *cobra.Command {
	var (
		apiKey    string
		strict    bool
		model     string
		baseURL   string
		transport string
	)
	cmd := &cobra.Command{
		Use:   "suggestions",
		Short: "Print the twelve home-screen suggestions",
		Long: "Print the twelve home-screen suggestions. Without --api-key the fixed list is printed.\n" +
			"With --strict a failed fetch is reported instead of falling back.",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(os.Getenv("LOG_LEVEL"), "console")
			if err != nil {
				log, _ = logging.New("warn", "console")
			}
			defer func() { _ = log.Sync() }()

			client, err := newCompleter(transport, model, baseURL, 0, log)
			if err != nil {
				return err
			}
			items, err := listSuggestions(cmd.Context(), suggest.NewSource(client, log), apiKey, strict)
			if err != nil {
				return err
			}
			for i, it := range items {
				fmt.Fprintf(cmd.OutOrStdout(), "%2d. %s\n", i+1, it)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&apiKey, "api-key", "", "Gemini API key; empty prints the fallback list")
	flags.BoolVar(&strict, "strict", false, "fail instead of falling back when the fetch fails")
	flags.StringVar(&model, "model", envOr("GEMINI_MODEL", defaultModel), "Gemini model")
	flags.StringVar(&baseURL, "base-url", envOr("GEMINI_BASE_URL", gemini.DefaultBaseURL), "Gemini API base URL")
	flags.StringVar(&transport, "transport", envOr("GEMINI_TRANSPORT", config.TransportREST), "rest or sdk")
	return cmd
}

// listSuggestions returns the fallback when no key is given; otherwise it fetches,
// and only strict mode surfaces a failure.
func listSuggestions(ctx context.Context, src *suggest.Source, apiKey string, strict bool) ([]string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return suggest.Fallback(), nil
	}
	if !strict {
		return src.Get(ctx, apiKey), nil
	}
	items, err := src.Fetch(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("fetch suggestions: %w", err)
	}
	return items, nil
}

func newCompleter(transport, model, baseURL string, timeout time.Duration, log *zap.Logger) (completion.Completer, error) {
	switch strings.ToLower(strings.TrimSpace(transport)) {
	case config.TransportSDK:
		return gemini.NewSDK(model, log), nil
	case config.TransportREST, "":
		opts := []gemini.Option{gemini.WithBaseURL(baseURL), gemini.WithLogger(log)}
		if timeout > 0 {
			opts = append(opts, gemini.WithTimeout(timeout))
		}
		return gemini.New(model, opts...), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
