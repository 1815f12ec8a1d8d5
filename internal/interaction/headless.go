package interaction

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dgellow/authsession/internal/ioutil"
	"github.com/dgellow/authsession/internal/log"
	"github.com/dgellow/authsession/internal/oauth"
	"github.com/dgellow/authsession/internal/urlutil"
)

// errRedirectCaptured stops the redirect chain once the redirect URI is reached
var errRedirectCaptured = errors.New("redirect captured")

// HeadlessChannel runs silent (prompt=none) requests without a user agent:
// it follows the provider's redirects with its own HTTP client, carrying
// whatever provider session cookies that client holds, and captures the
// final redirect to the redirect URI.
type HeadlessChannel struct {
	Client *http.Client
}

var _ Channel = (*HeadlessChannel)(nil)

// NewHeadlessChannel creates a channel around client. A nil client uses a
// fresh client without cookies, which only succeeds against providers that
// recognize the user by other means.
func NewHeadlessChannel(client *http.Client) *HeadlessChannel {
	if client == nil {
		client = &http.Client{}
	}
	return &HeadlessChannel{Client: client}
}

func (c *HeadlessChannel) Run(ctx context.Context, authURL string, opts Options) (*Result, error) {
	if opts.RedirectURI == "" {
		return nil, fmt.Errorf("redirect_uri is required for silent requests")
	}

	timeout := opts.timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var captured string
	client := *c.Client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if urlutil.SameEndpoint(opts.RedirectURI, req.URL.String()) {
			captured = req.URL.String()
			return errRedirectCaptured
		}
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create silent request: %w", err)
	}

	resp, err := client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if captured == "" && ctx.Err() != nil {
		return nil, contextError(ctx, timeout)
	}
	if captured == "" {
		if err != nil {
			return nil, fmt.Errorf("silent request failed: %w", err)
		}
		// The provider rendered a page instead of redirecting back, so it wants
		// the user to interact.
		log.LogDebugWithFields("interaction", "Silent request did not redirect", map[string]any{
			"status": resp.StatusCode,
			"body":   ioutil.ReadLimited(resp.Body, 256),
		})
		return nil, oauth.NewAuthenticationError(oauth.ErrInteractionRequired, "provider did not redirect back")
	}

	params, err := urlutil.CallbackParams(captured)
	if err != nil {
		return nil, err
	}
	return ResultFromParams(params)
}
