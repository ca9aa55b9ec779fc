package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/dotsetgreg/fishagent/pkg/config"
	"github.com/spf13/cobra"
)

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "fishagent",
		Short: "Automated seller replies for goofish marketplace chats",
		Long: strings.TrimSpace(`fishagent keeps a goofish chat session online and answers buyers.

It registers with the marketplace websocket gateway using browser cookies,
keeps per-buyer, per-listing conversation history, and replies through an
OpenAI-compatible model with price-negotiation and image awareness.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newCookiesCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

func newOnboardCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Write a default ~/.fishagent/config.json",
		Long:    "Create the default configuration file. Existing files are kept unless --force is given.",
		Example: "  fishagent onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard(cmd.OutOrStdout(), getConfigPath(), force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config file")
	return cmd
}

func onboard(out io.Writer, configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		fmt.Fprintf(out, "Config already exists at %s (use --force to overwrite)\n", configPath)
		return nil
	}
	if err := config.SaveConfig(configPath, config.DefaultConfig()); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Fprintf(out, "✓ Config written to %s\n", configPath)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Set providers.reply.api_key (or FISHAGENT_PROVIDERS_REPLY_API_KEY)")
	fmt.Fprintf(out, "  2. Run `%s cookies` and paste your goofish browser cookies\n", appName)
	fmt.Fprintf(out, "  3. Run `%s run`\n", appName)
	return nil
}

func newRunCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Connect to goofish and reply to buyers until interrupted",
		Long:    "Start the chat session supervisor, reply pipeline, optional NATS event feed, and status server.",
		Example: "  fishagent run --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newCookiesCommand() *cobra.Command {
	var value string

	cmd := &cobra.Command{
		Use:   "cookies",
		Short: "Store the goofish browser cookie string",
		Long: strings.TrimSpace(`Save COOKIES_STR into the credential file.

Copy the Cookie request header from a logged-in www.goofish.com tab and paste
it at the prompt, or pass it with --value.`),
		Example: strings.Join([]string{
			"  fishagent cookies",
			"  fishagent cookies --value \"unb=...; _m_h5_tk=...\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if strings.TrimSpace(value) == "" {
				value, err = promptCookies()
				if err != nil {
					return err
				}
			}
			return saveCookies(cmd.OutOrStdout(), cfg.CredentialPath(), value)
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "Cookie string to store instead of prompting")
	return cmd
}

func promptCookies() (string, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "cookies> ",
		HistoryLimit:    -1,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Println("Falling back to simple input mode...")
		return simplePromptCookies(os.Stdin)
	}
	defer rl.Close()

	fmt.Println("Paste the Cookie header from a logged-in goofish tab, then press Enter.")
	line, err := rl.Readline()
	if err != nil {
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return "", fmt.Errorf("aborted")
		}
		return "", fmt.Errorf("read cookies: %w", err)
	}
	return line, nil
}

func simplePromptCookies(in io.Reader) (string, error) {
	fmt.Print("cookies> ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read cookies: %w", err)
	}
	return line, nil
}

func saveCookies(out io.Writer, path, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("no cookies given")
	}
	cookies := config.ParseCookies(raw)
	if missing := config.MissingCookies(cookies, config.CriticalCookies); len(missing) > 0 {
		return fmt.Errorf("cookie string is missing required entries: %s", strings.Join(missing, ", "))
	}
	if missing := config.MissingCookies(cookies, config.RequiredCookies); len(missing) > 0 {
		fmt.Fprintf(out, "Warning: cookie string lacks %s\n", strings.Join(missing, ", "))
	}
	if err := config.SaveCookies(path, raw); err != nil {
		return fmt.Errorf("save cookies: %w", err)
	}
	fmt.Fprintf(out, "✓ Cookies for account %s saved to %s\n", cookies["unb"], path)
	return nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration, credential, and provider readiness",
		Example: "  fishagent status",
		RunE: func(cmd *cobra.Command, args []string) error {
			statusCmd()
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  fishagent version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
