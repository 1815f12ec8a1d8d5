package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"

	"github.com/dgellow/authsession/internal/config"
	"github.com/dgellow/authsession/internal/crypto"
	"github.com/dgellow/authsession/internal/discovery"
	"github.com/dgellow/authsession/internal/interaction"
	"github.com/dgellow/authsession/internal/log"
	"github.com/dgellow/authsession/internal/oauth"
	"github.com/dgellow/authsession/internal/storage"
	"github.com/dgellow/authsession/internal/token"
	"github.com/dgellow/authsession/internal/transport"
	"github.com/dgellow/authsession/internal/urlutil"
)

// correlationLength is the length of generated state and nonce values
const correlationLength = 43

// AuthorizeRequest is a built authorization request whose record is
// waiting for its callback.
type AuthorizeRequest struct {
	URL         string
	State       string
	Nonce       string
	Kind        storage.RequestKind
	RedirectURI string
}

// Completion is the outcome of a finished authorization request.
type Completion struct {
	Session    *storage.SessionRecord
	LocalState map[string]any
	Kind       storage.RequestKind
}

// BuildAuthorizeRequest persists a new pending request and returns the
// provider URL that starts it. A nonce is included whenever an ID token can
// be returned, and a PKCE challenge whenever a code is.
func (m *Manager) BuildAuthorizeRequest(ctx context.Context, kind storage.RequestKind, call config.Settings, localState map[string]any) (*AuthorizeRequest, error) {
	opts, err := m.resolve(call)
	if err != nil {
		return nil, err
	}
	return m.buildAuthorizeRequest(ctx, kind, opts, localState)
}

func (m *Manager) buildAuthorizeRequest(ctx context.Context, kind storage.RequestKind, opts config.Resolved, localState map[string]any) (*AuthorizeRequest, error) {
	if opts.RedirectURI == "" {
		return nil, &PreconditionError{Op: "authorize", Param: "redirect_uri"}
	}
	meta, err := m.metadataFor(ctx, opts)
	if err != nil {
		return nil, err
	}
	endpoint, err := meta.Endpoint(discovery.AuthorizationEndpoint)
	if err != nil {
		return nil, err
	}

	if err := m.requests.Prune(ctx, opts.RequestMaxAge); err != nil {
		log.LogWarnWithFields("session", "Failed to prune stale authorization requests", map[string]any{
			"error": err.Error(),
		})
	}

	state, err := crypto.GenerateRandom(correlationLength)
	if err != nil {
		return nil, err
	}
	params := storage.AuthParams{
		ClientID:     opts.ClientID,
		RedirectURI:  opts.RedirectURI,
		ResponseType: opts.ResponseType,
		Scope:        opts.Scope,
		Audience:     opts.Audience,
		Prompt:       opts.Prompt,
		Extra:        maps.Clone(opts.ExtraParams),
	}
	if opts.HasResponseType("id_token") || opts.HasScope("openid") {
		if params.Nonce, err = crypto.GenerateRandom(correlationLength); err != nil {
			return nil, err
		}
	}
	if opts.HasResponseType("code") {
		if params.CodeVerifier, err = m.deriver.NewVerifier(); err != nil {
			return nil, err
		}
		if params.CodeChallenge, err = m.deriver.DeriveChallenge(ctx, params.CodeVerifier); err != nil {
			return nil, err
		}
		params.CodeChallengeMethod = crypto.MethodS256
	}

	rec := &storage.AuthRequestRecord{
		State:       state,
		AuthParams:  params,
		LocalState:  localState,
		RequestType: kind,
	}
	if err := m.requests.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store authorization request: %w", err)
	}

	q := url.Values{}
	for k, v := range params.Extra {
		q.Set(k, v)
	}
	q.Set("client_id", params.ClientID)
	q.Set("redirect_uri", params.RedirectURI)
	q.Set("response_type", params.ResponseType)
	q.Set("scope", params.Scope)
	q.Set("state", state)
	q.Set("nonce", params.Nonce)
	q.Set("code_challenge", params.CodeChallenge)
	q.Set("code_challenge_method", params.CodeChallengeMethod)
	q.Set("audience", params.Audience)
	q.Set("prompt", params.Prompt)

	authURL, err := urlutil.AppendQuery(endpoint, q)
	if err != nil {
		_ = m.requests.Delete(ctx, state)
		return nil, err
	}

	log.LogDebugWithFields("session", "Built authorization request", map[string]any{
		"kind":   string(kind),
		"prompt": params.Prompt,
	})
	return &AuthorizeRequest{
		URL:         authURL,
		State:       state,
		Nonce:       params.Nonce,
		Kind:        kind,
		RedirectURI: params.RedirectURI,
	}, nil
}

// Login starts a direct login: the user agent is sent to the provider and
// the flow completes when the application passes the redirect to
// HandleCallback.
func (m *Manager) Login(ctx context.Context, call config.Settings, localState map[string]any) (*AuthorizeRequest, error) {
	req, err := m.BuildAuthorizeRequest(ctx, storage.KindDirect, call, localState)
	if err != nil {
		return nil, err
	}
	if err := m.navigator.Navigate(ctx, req.URL); err != nil {
		_ = m.requests.Delete(ctx, req.State)
		return nil, fmt.Errorf("failed to navigate to provider: %w", err)
	}
	return req, nil
}

// LoginPopup runs an interactive login through the popup channel and
// returns the committed session.
func (m *Manager) LoginPopup(ctx context.Context, call config.Settings, localState map[string]any) (*Completion, error) {
	if m.popup == nil {
		return nil, ErrNoChannel
	}
	opts, err := m.resolve(call)
	if err != nil {
		return nil, err
	}
	return m.runChannel(ctx, m.popup, storage.KindPopup, opts, localState, EventLogin)
}

// HandleCallback completes a request from the URL the provider redirected
// to. The matching pending request is consumed whether or not the flow
// succeeds.
func (m *Manager) HandleCallback(ctx context.Context, callbackURL string) (*Completion, error) {
	params, err := urlutil.CallbackParams(callbackURL)
	if err != nil {
		return nil, err
	}
	return m.complete(ctx, params, EventLogin, nil)
}

// runChannel dispatches a built request through ch and completes it.
func (m *Manager) runChannel(ctx context.Context, ch interaction.Channel, kind storage.RequestKind, opts config.Resolved, localState map[string]any, ev EventType) (*Completion, error) {
	req, err := m.buildAuthorizeRequest(ctx, kind, opts, localState)
	if err != nil {
		return nil, err
	}

	res, err := ch.Run(ctx, req.URL, interaction.Options{
		RedirectURI: req.RedirectURI,
		Timeout:     opts.InteractionTimeout,
	})
	if err != nil {
		// The response never arrived or was an error, so nothing else will
		// consume the record.
		if delErr := m.requests.Delete(context.WithoutCancel(ctx), req.State); delErr != nil {
			log.LogDebugWithFields("session", "Failed to discard authorization request", map[string]any{
				"error": delErr.Error(),
			})
		}
		return nil, err
	}
	return m.complete(ctx, res.Response, ev, &opts)
}

// complete runs correlate, exchange, validate and commit over an
// authorization response. opts are the options of the operation that
// dispatched the request; nil means the request outlived that operation and
// its options are rebuilt from the stored record.
func (m *Manager) complete(ctx context.Context, params url.Values, ev EventType, opts *config.Resolved) (*Completion, error) {
	state := params.Get("state")
	if state == "" {
		return nil, &CorrelationNotFoundError{}
	}
	rec, err := m.requests.Take(ctx, state)
	if errors.Is(err, storage.ErrNotFound) {
		log.LogWarnWithFields("session", "Authorization response without pending request", map[string]any{
			"state_length": len(state),
		})
		return nil, &CorrelationNotFoundError{State: state}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization request: %w", err)
	}

	if authErr := oauth.ErrorFromParams(params); authErr != nil {
		return nil, authErr
	}

	if opts == nil {
		resolved, err := m.resolve(config.Settings{
			ClientID:     rec.AuthParams.ClientID,
			RedirectURI:  rec.AuthParams.RedirectURI,
			ResponseType: rec.AuthParams.ResponseType,
			Scope:        rec.AuthParams.Scope,
			Audience:     rec.AuthParams.Audience,
		})
		if err != nil {
			return nil, err
		}
		opts = &resolved
	}

	var tok *oauth.TokenResponse
	if code := params.Get("code"); code != "" {
		if tok, err = m.exchangeCode(ctx, *opts, rec, code); err != nil {
			return nil, err
		}
	} else {
		if tok, err = oauth.TokenFromParams(params); err != nil {
			return nil, err
		}
		if tok == nil {
			return nil, fmt.Errorf("authorization response carries neither a code nor tokens")
		}
	}
	if tok.SessionState == "" {
		tok.SessionState = params.Get("session_state")
	}

	session, err := m.acceptTokens(ctx, *opts, tok, rec.AuthParams.Nonce, nil)
	if err != nil {
		return nil, err
	}
	if err := m.commit(ctx, *opts, session, ev); err != nil {
		return nil, err
	}
	return &Completion{Session: session, LocalState: rec.LocalState, Kind: rec.RequestType}, nil
}

// exchangeCode performs the authorization_code grant. Every grant
// parameter is checked before the provider is contacted.
func (m *Manager) exchangeCode(ctx context.Context, opts config.Resolved, rec *storage.AuthRequestRecord, code string) (*oauth.TokenResponse, error) {
	required := []struct{ name, value string }{
		{"code", code},
		{"redirect_uri", rec.AuthParams.RedirectURI},
		{"code_verifier", rec.AuthParams.CodeVerifier},
		{"client_id", rec.AuthParams.ClientID},
	}
	for _, p := range required {
		if p.value == "" {
			return nil, &PreconditionError{Op: "code exchange", Param: p.name}
		}
	}

	body := oauth.CodeExchange(m.credentials(opts), code, rec.AuthParams.RedirectURI, rec.AuthParams.CodeVerifier)
	return m.tokenRequest(ctx, opts, body)
}

func (m *Manager) credentials(opts config.Resolved) oauth.ClientCredentials {
	return oauth.ClientCredentials{ID: opts.ClientID, Secret: string(opts.ClientSecret)}
}

func (m *Manager) tokenRequest(ctx context.Context, opts config.Resolved, body url.Values) (*oauth.TokenResponse, error) {
	meta, err := m.metadataFor(ctx, opts)
	if err != nil {
		return nil, err
	}
	endpoint, err := meta.Endpoint(discovery.TokenEndpoint)
	if err != nil {
		return nil, err
	}
	raw, err := m.doer.Do(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    endpoint,
		Body:   body,
		Type:   transport.Form,
	})
	return oauth.DecodeTokenResponse(raw, err)
}

// acceptTokens validates a token response and turns it into a session
// record. prior is the session being renewed, or nil for a new login.
func (m *Manager) acceptTokens(ctx context.Context, opts config.Resolved, tok *oauth.TokenResponse, nonce string, prior *storage.SessionRecord) (*storage.SessionRecord, error) {
	meta, err := m.metadataFor(ctx, opts)
	if err != nil {
		return nil, err
	}
	issuer := meta.Issuer
	if issuer == "" {
		issuer = opts.Issuer
	}
	now := m.clock.Now()
	vopts := token.Options{
		Issuer:    issuer,
		Audience:  opts.Audience,
		ClientID:  opts.ClientID,
		ClockSkew: opts.ClockSkew,
		Now:       now,
	}

	rec := &storage.SessionRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        tok.Scope,
		SessionState: tok.SessionState,
		ExpiresIn:    tok.ExpiresIn,
	}
	if tok.ExpiresIn > 0 {
		rec.ExpiresAt = now.Unix() + tok.ExpiresIn
	}
	if prior != nil {
		if rec.RefreshToken == "" {
			rec.RefreshToken = prior.RefreshToken
		}
		if rec.Scope == "" {
			rec.Scope = prior.Scope
		}
		if rec.SessionState == "" {
			rec.SessionState = prior.SessionState
		}
		rec.IDToken = prior.IDToken
		rec.IDTokenRaw = prior.IDTokenRaw
		rec.User = maps.Clone(prior.User)
	}
	if rec.Scope == "" {
		rec.Scope = opts.Scope
	}

	if tok.IDToken != "" {
		var parsed *token.ParsedJWT
		if prior == nil {
			parsed, err = token.ValidateIDToken(tok.IDToken, nonce, vopts)
		} else {
			// ID tokens from a refresh carry no nonce but must describe the
			// same user.
			parsed, err = token.ValidateClaims(tok.IDToken, vopts, true)
			if err == nil && prior.Subject() != "" && parsed.Subject() != prior.Subject() {
				err = &SubjectMismatchError{Source: "ID token", Expected: prior.Subject(), Actual: parsed.Subject()}
			}
		}
		if err != nil {
			log.LogWarnWithFields("session", "Rejected ID token", map[string]any{
				"error": err.Error(),
			})
			return nil, err
		}
		if m.verifier != nil {
			if err := m.verifier.Verify(ctx, tok.IDToken); err != nil {
				return nil, &token.InvalidIDTokenError{Err: err}
			}
		}
		rec.IDToken = parsed.Payload
		rec.IDTokenRaw = tok.IDToken
		rec.User = parsed.UserClaims()
	}

	if opts.LoadUserInfo && rec.AccessToken != "" && meta.Has(discovery.UserinfoEndpoint) {
		claims, err := m.fetchUserInfo(ctx, meta, rec.AccessToken)
		if err != nil {
			return nil, err
		}
		if sub := rec.Subject(); sub != "" {
			if got, _ := claims["sub"].(string); got != sub {
				return nil, &SubjectMismatchError{Source: "userinfo", Expected: sub, Actual: got}
			}
		}
		if rec.User == nil {
			rec.User = make(map[string]any, len(claims))
		}
		maps.Copy(rec.User, claims)
	}
	return rec, nil
}

func (m *Manager) fetchUserInfo(ctx context.Context, meta *discovery.Metadata, accessToken string) (map[string]any, error) {
	endpoint, err := meta.Endpoint(discovery.UserinfoEndpoint)
	if err != nil {
		return nil, err
	}
	raw, err := m.doer.Do(ctx, transport.Request{
		Method:  http.MethodGet,
		URL:     endpoint,
		Headers: map[string]string{"Authorization": "Bearer " + accessToken},
	})
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", oauth.ResponseError(err))
	}
	var claims map[string]any
	if err := json.Unmarshal(raw, &claims); err != nil || claims == nil {
		return nil, fmt.Errorf("invalid userinfo response")
	}
	return claims, nil
}
