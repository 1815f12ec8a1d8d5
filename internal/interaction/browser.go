package interaction

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dgellow/authsession/internal/log"
	"github.com/pkg/browser"
)

// BrowserNavigator opens URLs in the system browser. When no browser can be
// started the URL is printed so the user can open it by hand.
type BrowserNavigator struct {
	// Out receives the fallback message. Defaults to stderr.
	Out io.Writer
	// Open defaults to browser.OpenURL
	Open func(url string) error
}

var _ Navigator = (*BrowserNavigator)(nil)

func (b *BrowserNavigator) Navigate(_ context.Context, url string) error {
	open := b.Open
	if open == nil {
		open = browser.OpenURL
	}
	out := b.Out
	if out == nil {
		out = os.Stderr
	}

	log.LogDebugWithFields("interaction", "Opening browser", map[string]any{
		"url": url,
	})
	if err := open(url); err != nil {
		log.LogWarnWithFields("interaction", "Failed to open browser", map[string]any{
			"error": err.Error(),
		})
		_, _ = fmt.Fprintf(out, "Open this URL in your browser to continue:\n\n  %s\n\n", url)
	}
	return nil
}
