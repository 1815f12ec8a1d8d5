package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/authsession/internal"
	"github.com/dgellow/authsession/internal/config"
	"github.com/dgellow/authsession/internal/log"
	"github.com/dgellow/authsession/internal/session"
)

var BuildVersion = "dev"

const usage = `Usage: authsession [flags] <command> [command flags]

Commands:
  login            sign in, silently when the provider session allows it
  status           print the stored session
  token            print a valid access token, renewing it if needed
  refresh          renew the session now
  logout           end the session locally and at the provider
  provider         run the development OpenID Provider
  config init      write a starter config file
  config validate  check a config file

Flags:
`

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"version": config.Version,
		"client": map[string]any{
			"issuer":                "http://127.0.0.1:9400",
			"clientId":              "authsession-cli",
			"redirectUri":           "http://127.0.0.1:8400/callback",
			"postLogoutRedirectUri": "http://127.0.0.1:8400/signed-out",
			"scope":                 "openid profile email offline_access",
		},
		"storage": map[string]any{
			"requests": "sqlite",
			"sessions": "sqlite",
		},
		"coordination": map[string]any{
			"medium": "file",
		},
		"provider": map[string]any{
			"addr":   "127.0.0.1:9400",
			"issuer": "http://127.0.0.1:9400",
			"clients": []any{
				map[string]any{
					"id":                     "authsession-cli",
					"redirectUris":           []string{"http://127.0.0.1/callback"},
					"postLogoutRedirectUris": []string{"http://127.0.0.1:8400/signed-out"},
				},
			},
			"user": map[string]any{
				"subject": "dev-user",
				"email":   "dev@example.com",
				"name":    "Dev User",
			},
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Printf("Validating: %s\n", path)

	if len(result.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(result.Errors))
		for _, err := range result.Errors {
			if err.Path != "" {
				fmt.Printf("  - %s: %s\n", err.Path, err.Message)
			} else {
				fmt.Printf("  - %s\n", err.Message)
			}
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\nWarnings (%d):\n", len(result.Warnings))
		for _, warn := range result.Warnings {
			if warn.Path != "" {
				fmt.Printf("  - %s: %s\n", warn.Path, warn.Message)
			} else {
				fmt.Printf("  - %s\n", warn.Message)
			}
		}
	}

	fmt.Println()
	if len(result.Errors) == 0 && len(result.Warnings) == 0 {
		fmt.Println("Result: PASS")
	} else if len(result.Errors) == 0 {
		fmt.Println("Result: FAIL (warnings present)")
	} else {
		fmt.Println("Result: FAIL")
	}

	if len(result.Errors) > 0 || len(result.Warnings) > 0 {
		return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// sessionSummary is what status and login print
type sessionSummary struct {
	Authenticated bool           `json:"authenticated"`
	Subject       string         `json:"subject,omitempty"`
	Scope         string         `json:"scope,omitempty"`
	ExpiresAt     string         `json:"expires_at,omitempty"`
	User          map[string]any `json:"user,omitempty"`
}

func summarize(ctx context.Context, m *session.Manager) (sessionSummary, error) {
	rec, err := m.Session(ctx)
	if errors.Is(err, session.ErrNoSession) {
		return sessionSummary{}, nil
	}
	if err != nil {
		return sessionSummary{}, err
	}
	s := sessionSummary{
		Authenticated: true,
		Subject:       rec.Subject(),
		Scope:         rec.Scope,
		User:          rec.User,
	}
	if exp := rec.Expiry(); !exp.IsZero() {
		s.ExpiresAt = exp.Format(time.RFC3339)
	}
	return s, nil
}

func runLogin(ctx context.Context, app *internal.App, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	force := fs.Bool("force", false, "start an interactive login even when a session exists")
	if err := fs.Parse(args); err != nil {
		return err
	}

	m := app.Manager
	if err := m.Initialize(ctx); err != nil {
		return err
	}
	if *force || !m.IsAuthenticated(ctx) {
		if _, err := m.LoginPopup(ctx, config.Settings{}, nil); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
	}
	s, err := summarize(ctx, m)
	if err != nil {
		return err
	}
	return printJSON(s)
}

func runStatus(ctx context.Context, app *internal.App) error {
	if err := app.Manager.Initialize(ctx); err != nil {
		return err
	}
	s, err := summarize(ctx, app.Manager)
	if err != nil {
		return err
	}
	return printJSON(s)
}

func runToken(ctx context.Context, app *internal.App) error {
	if err := app.Manager.Initialize(ctx); err != nil {
		return err
	}
	tok, err := app.Manager.TokenSource(ctx).Token()
	if err != nil {
		return err
	}
	fmt.Println(tok.AccessToken)
	return nil
}

func runRefresh(ctx context.Context, app *internal.App) error {
	m := app.Manager
	if err := m.Initialize(ctx); err != nil {
		return err
	}
	performed, err := m.Renew(ctx)
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}
	if !performed {
		log.LogInfoWithFields("main", "Another instance renewed the session", nil)
	}
	s, err := summarize(ctx, m)
	if err != nil {
		return err
	}
	return printJSON(s)
}

func runLogout(ctx context.Context, app *internal.App, args []string) error {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	local := fs.Bool("local", false, "only clear the local session")
	revoke := fs.Bool("revoke", true, "revoke tokens at the provider first")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := app.Manager.Initialize(ctx); err != nil {
		return err
	}
	endSessionURL, err := app.Manager.Logout(ctx, session.LogoutOptions{
		LocalOnly: *local,
		Revoke:    *revoke,
	})
	if err != nil {
		return err
	}
	if endSessionURL != "" {
		log.LogInfoWithFields("main", "Opened provider logout", map[string]any{
			"url": endSessionURL,
		})
	}
	return nil
}

func runConfig(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: authsession config init|validate <path>")
	}
	switch args[0] {
	case "init":
		if err := generateDefaultConfig(args[1]); err != nil {
			return err
		}
		fmt.Printf("Generated default config at: %s\n", args[1])
		return nil
	case "validate":
		return validateConfig(args[1])
	default:
		return fmt.Errorf("unknown config command %q", args[0])
	}
}

func main() {
	conf := flag.String("config", "authsession.json", "path to config file")
	version := flag.Bool("version", false, "print version and exit")
	logLevel := flag.String("log-level", "", "log level (error, warn, info, debug, trace)")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *logLevel != "" {
		if err := log.SetLogLevel(*logLevel); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	command, rest := args[0], args[1:]

	if command == "config" {
		if err := runConfig(rest); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if command == "provider" {
		if cfg.Provider == nil {
			log.LogError("Config has no provider section")
			os.Exit(1)
		}
		log.LogInfoWithFields("main", "Starting development provider", map[string]any{
			"version": BuildVersion,
			"addr":    cfg.Provider.Addr,
		})
		if err := internal.RunProvider(ctx, *cfg.Provider); err != nil {
			log.LogError("Provider failed: %v", err)
			os.Exit(1)
		}
		return
	}

	app, err := internal.NewApp(ctx, cfg)
	if err != nil {
		log.LogError("Failed to build session manager: %v", err)
		os.Exit(1)
	}

	switch command {
	case "login":
		err = runLogin(ctx, app, rest)
	case "status":
		err = runStatus(ctx, app)
	case "token":
		err = runToken(ctx, app)
	case "refresh":
		err = runRefresh(ctx, app)
	case "logout":
		err = runLogout(ctx, app, rest)
	default:
		err = fmt.Errorf("unknown command %q", command)
	}
	app.Close()
	if err != nil {
		log.LogError("%v", err)
		os.Exit(1)
	}
}
