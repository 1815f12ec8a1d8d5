package interaction

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dgellow/authsession/internal/log"
	"github.com/dgellow/authsession/internal/urlutil"
)

// LoopbackChannel completes interactive flows for native applications: it
// hands the authorization URL to a Navigator and receives the redirect on a
// local HTTP listener bound to the redirect URI's host and port.
type LoopbackChannel struct {
	Navigator Navigator
}

var _ Channel = (*LoopbackChannel)(nil)

// NewLoopbackChannel creates a channel that opens URLs with nav
func NewLoopbackChannel(nav Navigator) *LoopbackChannel {
	return &LoopbackChannel{Navigator: nav}
}

func (c *LoopbackChannel) Run(ctx context.Context, authURL string, opts Options) (*Result, error) {
	redirect, err := url.Parse(opts.RedirectURI)
	if err != nil || redirect.Host == "" {
		return nil, fmt.Errorf("invalid redirect_uri %q for loopback channel", opts.RedirectURI)
	}
	if redirect.Scheme != "http" {
		return nil, fmt.Errorf("loopback redirect_uri must use http, got %q", redirect.Scheme)
	}

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to start callback listener on %s: %w", redirect.Host, err)
	}

	callbackPath := redirect.Path
	if callbackPath == "" {
		callbackPath = "/"
	}

	type outcome struct {
		result *Result
		err    error
	}
	results := make(chan outcome, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		params, err := urlutil.CallbackParams(r.URL.String())
		if err == nil && params.Get("state") == "" && params.Get("error") == "" {
			err = errors.New("callback carries no state")
		}
		var result *Result
		if err == nil {
			result, err = ResultFromParams(params)
		}
		if err != nil {
			writeErrorPage(w, err)
		} else {
			writeSuccessPage(w)
		}
		select {
		case results <- outcome{result: result, err: err}:
		default:
		}
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case results <- outcome{err: fmt.Errorf("callback server failed: %w", err)}:
			default:
			}
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.LogWarnWithFields("interaction", "Failed to shut down callback server", map[string]any{
				"error": err.Error(),
			})
		}
	}()

	timeout := opts.timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.LogInfoWithFields("interaction", "Waiting for authorization callback", map[string]any{
		"listen": listener.Addr().String(),
		"path":   callbackPath,
	})
	if err := c.Navigator.Navigate(ctx, authURL); err != nil {
		return nil, fmt.Errorf("failed to open authorization URL: %w", err)
	}

	select {
	case out := <-results:
		return out.result, out.err
	case <-ctx.Done():
		return nil, contextError(ctx, timeout)
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
}

const pageTemplate = `<!DOCTYPE html>
<html>
<head>
    <title>%s</title>
    <meta charset="utf-8">
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; text-align: center; }
        .message { max-width: 600px; margin: 20px auto; padding: 20px; border-radius: 5px; }
        .success { background-color: #e7f6e7; color: #006600; }
        .error { background-color: #ffe7e7; color: #cc0000; }
    </style>
</head>
<body>
    <h1>%s</h1>
    <div class="message %s"><p>%s</p></div>
</body>
</html>`

func writeSuccessPage(w http.ResponseWriter) {
	setSecurityHeaders(w)
	page := fmt.Sprintf(pageTemplate, "Signed in", "Signed in", "success",
		"You can close this window and return to the terminal.")
	_, _ = w.Write([]byte(page))
}

func writeErrorPage(w http.ResponseWriter, err error) {
	setSecurityHeaders(w)
	w.WriteHeader(http.StatusBadRequest)
	msg := html.EscapeString(strings.TrimSpace(err.Error()))
	page := fmt.Sprintf(pageTemplate, "Sign-in failed", "Sign-in failed", "error", msg)
	_, _ = w.Write([]byte(page))
}
