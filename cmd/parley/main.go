// Package main provides the parley CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/richinex/parley/cli"
)

var (
	// Global flags
	configPath string
	provider   string
	verbose    bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "Streaming chat service with tool calling",
		Long: `parley serves chat turns over HTTP. Each turn streams the model's
thoughts and answer as server-sent events, running tools the model asks for
along the way, and records the transcript.

Per-user tools come from integrations (weather, images, markets, web, mcp)
enabled through /integrations. Every user has a daily message quota.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("PARLEY_CONFIG"), "YAML config file (environment wins over file)")
	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "", "LLM provider (gemini, openai, anthropic, deepseek)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging to the console")

	rootCmd.AddCommand(serveCmd(ctx))
	rootCmd.AddCommand(chatCmd(ctx))
	rootCmd.AddCommand(toolsCmd(ctx))
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func options() cli.Options {
	return cli.Options{
		ConfigPath: configPath,
		Provider:   provider,
		Verbose:    verbose,
	}
}

func serveCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Long: `Run the HTTP service.

Routes:
  POST   /chat                  run a turn, streamed as server-sent events
  GET    /chats                 list your chats
  GET    /chats/{id}            read a chat
  DELETE /chats/{id}            delete a chat
  GET    /usage                 daily quota
  GET    /integrations          integrations and whether they are enabled
  PUT    /integrations/{name}   enable an integration
  DELETE /integrations/{name}   disable an integration
  PUT    /profile/instruction   set your standing instruction
  GET    /healthz               liveness`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Serve(ctx, options())
		},
	}
}

func chatCmd(ctx context.Context) *cobra.Command {
	var opts cli.ChatOptions

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running parley server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Token == "" {
				opts.Token = os.Getenv("PARLEY_TOKEN")
			}
			return cli.Chat(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.BaseURL, "url", "http://localhost:8080", "Server base URL")
	cmd.Flags().StringVar(&opts.Token, "token", "", "Bearer token (default $PARLEY_TOKEN)")
	cmd.Flags().StringVar(&opts.ChatID, "chat", "", "Continue an existing chat")

	return cmd
}

func toolsCmd(ctx context.Context) *cobra.Command {
	var verboseTools bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List integrations and their tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.ListTools(ctx, options(), verboseTools, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVarP(&verboseTools, "verbose", "V", false, "Show tool parameters")

	return cmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.PrintConfig(options(), cmd.OutOrStdout())
		},
	}
}
