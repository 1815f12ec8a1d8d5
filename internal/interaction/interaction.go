// Package interaction holds the channels that carry an authorization request
// to the user agent and bring the provider's response back.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/dgellow/authsession/internal/oauth"
)

const DefaultTimeout = 2 * time.Minute

// Result is the parsed authorization response
type Result struct {
	Response url.Values
	State    string
}

// Options configure one channel run.
type Options struct {
	// RedirectURI is where the provider sends the response
	RedirectURI string
	Timeout     time.Duration
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// Navigator hands a URL to the user agent. Completion of the flow arrives
// later through the application's redirect handler.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// NavigatorFunc adapts a function to Navigator
type NavigatorFunc func(ctx context.Context, url string) error

func (f NavigatorFunc) Navigate(ctx context.Context, url string) error { return f(ctx, url) }

// Channel runs an authorization request to completion.
type Channel interface {
	Run(ctx context.Context, authURL string, opts Options) (*Result, error)
}

// ChannelFunc adapts a function to Channel
type ChannelFunc func(ctx context.Context, authURL string, opts Options) (*Result, error)

func (f ChannelFunc) Run(ctx context.Context, authURL string, opts Options) (*Result, error) {
	return f(ctx, authURL, opts)
}

// CancelledError means the user or the caller abandoned the interaction.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "interaction cancelled"
	}
	return "interaction cancelled: " + e.Reason
}

// TimeoutError means no response arrived within the configured timeout.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("interaction timed out after %s", e.After)
}

// ResultFromParams turns callback parameters into a Result, or an
// *oauth.AuthenticationError when the provider answered with an error.
func ResultFromParams(params url.Values) (*Result, error) {
	if authErr := oauth.ErrorFromParams(params); authErr != nil {
		return nil, authErr
	}
	return &Result{Response: params, State: params.Get("state")}, nil
}

// contextError maps the end of a channel's context to the interaction
// error taxonomy.
func contextError(ctx context.Context, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{After: timeout}
	}
	return &CancelledError{Reason: ctx.Err().Error()}
}
