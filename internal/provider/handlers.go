package provider

import (
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/dgellow/authsession/internal/cookie"
	"github.com/dgellow/authsession/internal/crypto"
	"github.com/dgellow/authsession/internal/discovery"
	jsonwriter "github.com/dgellow/authsession/internal/json"
	"github.com/dgellow/authsession/internal/log"
	"github.com/dgellow/authsession/internal/oauth"
	"github.com/dgellow/authsession/internal/server"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ory/fosite"
)

// Handler serves every provider endpoint below the issuer's path.
func (p *Provider) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /"+discovery.WellKnownPath, p.handleDiscovery)
	mux.HandleFunc("GET "+pathJWKS, p.handleJWKS)
	mux.HandleFunc("GET "+pathAuthorize, p.handleAuthorize)
	mux.HandleFunc("POST "+pathToken, p.handleToken)
	mux.HandleFunc("GET "+pathUserinfo, p.handleUserinfo)
	mux.HandleFunc("POST "+pathUserinfo, p.handleUserinfo)
	mux.HandleFunc("GET "+pathLogout, p.handleLogout)
	mux.HandleFunc("POST "+pathRevoke, p.handleRevoke)
	mux.HandleFunc("GET "+pathCheckSession, p.handleCheckSession)
	mux.Handle("GET /health", server.NewHealthHandler(nil))

	var handler http.Handler = mux
	if u, err := url.Parse(p.issuer); err == nil {
		if prefix := strings.TrimSuffix(u.Path, "/"); prefix != "" {
			handler = http.StripPrefix(prefix, mux)
		}
	}

	return server.ChainMiddleware(handler,
		server.NewCORSMiddleware(nil),
		server.NewLoggerMiddleware("provider", p.clock),
		server.NewRecoverMiddleware("provider"),
	)
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	doc, err := p.Metadata()
	if err != nil {
		log.LogError("Failed to build discovery document: %v", err)
		jsonwriter.WriteInternalServerError(w, "Internal server error")
		return
	}
	_ = jsonwriter.Write(w, doc)
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(p.signer.jwks)
}

// redirectAllowed matches a registered redirect URI exactly, except that
// loopback redirects may use any port (RFC 8252 section 7.3).
func redirectAllowed(client *fosite.DefaultClient, redirectURI string) bool {
	if redirectURI == "" {
		return false
	}
	if slices.Contains(client.GetRedirectURIs(), redirectURI) {
		return true
	}
	got, err := url.Parse(redirectURI)
	if err != nil || got.Scheme != "http" || !isLoopback(got.Hostname()) {
		return false
	}
	for _, registered := range client.GetRedirectURIs() {
		want, err := url.Parse(registered)
		if err != nil || want.Scheme != "http" || !isLoopback(want.Hostname()) {
			continue
		}
		if want.Hostname() == got.Hostname() && want.Path == got.Path {
			return true
		}
	}
	return false
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// Errors are only redirected once the client and redirect URI check out
	client, ok := p.clients[q.Get("client_id")]
	if !ok {
		writeError(w, fosite.ErrInvalidClient.WithHint("Unknown client_id."))
		return
	}
	redirectURI := q.Get("redirect_uri")
	if !redirectAllowed(client, redirectURI) {
		writeError(w, fosite.ErrInvalidRequest.WithHint("The redirect_uri is not registered for this client."))
		return
	}
	state := q.Get("state")

	if rt := q.Get("response_type"); rt != "code" {
		redirectError(w, r, redirectURI, state, fosite.ErrUnsupportedResponseType.WithHintf("Response type %q is not supported.", rt))
		return
	}

	scope := fosite.Arguments(strings.Fields(q.Get("scope")))
	for _, s := range scope {
		if !fosite.HierarchicScopeStrategy(client.GetScopes(), s) {
			redirectError(w, r, redirectURI, state, fosite.ErrInvalidScope.WithHintf("Scope %q is not allowed.", s))
			return
		}
	}

	challenge := q.Get("code_challenge")
	switch {
	case challenge == "" && client.IsPublic():
		redirectError(w, r, redirectURI, state, fosite.ErrInvalidRequest.WithHint("Public clients must use PKCE."))
		return
	case challenge != "" && q.Get("code_challenge_method") != "S256":
		redirectError(w, r, redirectURI, state, fosite.ErrInvalidRequest.WithHint("Only the S256 code_challenge_method is supported."))
		return
	}

	prompt := fosite.Arguments(strings.Fields(q.Get("prompt")))
	if prompt.Has("none") && len(prompt) > 1 {
		redirectError(w, r, redirectURI, state, fosite.ErrInvalidRequest.WithHint("prompt=none cannot be combined with other values."))
		return
	}

	var sess *browserSession
	if sid, err := cookie.GetSession(r); err == nil {
		sess = p.session(sid)
	}
	switch {
	case prompt.Has("none") && sess == nil:
		redirectError(w, r, redirectURI, state, fosite.ErrLoginRequired.WithHint("No active session."))
		return
	case sess == nil || prompt.Has("login"):
		var err error
		if sess, err = p.startSession(); err != nil {
			redirectError(w, r, redirectURI, state, fosite.ErrServerError.WithHint("Failed to start session."))
			return
		}
		cookie.SetSession(w, sess.ID, p.sessionTTL, p.secure)
	}

	code, err := crypto.GenerateSecureToken()
	if err != nil {
		redirectError(w, r, redirectURI, state, fosite.ErrServerError.WithHint("Failed to issue code."))
		return
	}
	sessionState, err := p.sessionState(client.GetID(), redirectURI, sess.ID)
	if err != nil {
		redirectError(w, r, redirectURI, state, fosite.ErrServerError.WithHint("Failed to derive session state."))
		return
	}

	now := p.clock.Now()
	p.mu.Lock()
	p.pruneLocked(now)
	p.codes[code] = &grant{
		ClientID:    client.GetID(),
		RedirectURI: redirectURI,
		Scope:       scope,
		Nonce:       q.Get("nonce"),
		Challenge:   challenge,
		SessionID:   sess.ID,
		Subject:     sess.Subject,
		AuthTime:    sess.AuthTime,
		ExpiresAt:   now.Add(p.codeLifespan),
	}
	p.mu.Unlock()

	target, err := url.Parse(redirectURI)
	if err != nil {
		writeError(w, fosite.ErrInvalidRequest.WithHint("Malformed redirect_uri."))
		return
	}
	params := target.Query()
	params.Set("code", code)
	params.Set("session_state", sessionState)
	params.Set("iss", p.issuer)
	if state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()

	log.LogDebugWithFields("provider", "Authorization code issued", map[string]any{
		"client": client.GetID(),
		"scope":  strings.Join(scope, " "),
	})
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// authenticateClient identifies the caller of a back-channel endpoint with
// client_secret_basic, client_secret_post or, for public clients, client_id.
func (p *Provider) authenticateClient(r *http.Request) (*fosite.DefaultClient, *fosite.RFC6749Error) {
	id, secret, basic := r.BasicAuth()
	if basic {
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
	} else {
		id = r.PostForm.Get("client_id")
		secret = r.PostForm.Get("client_secret")
	}

	client, ok := p.clients[id]
	if !ok {
		return nil, fosite.ErrInvalidClient.WithHint("Unknown client.")
	}
	if client.IsPublic() {
		return client, nil
	}
	if !crypto.CompareClientSecret(client.GetHashedSecret(), secret) {
		return nil, fosite.ErrInvalidClient.WithHint("Client authentication failed.")
	}
	return client, nil
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, fosite.ErrInvalidRequest.WithHint("Malformed request body."))
		return
	}
	client, ferr := p.authenticateClient(r)
	if ferr != nil {
		writeError(w, ferr)
		return
	}

	var g *grant
	switch gt := r.PostForm.Get("grant_type"); gt {
	case oauth.GrantAuthorizationCode:
		g, ferr = p.redeemCode(client, r.PostForm)
	case oauth.GrantRefreshToken:
		g, ferr = p.redeemRefresh(client, r.PostForm)
	default:
		ferr = fosite.ErrUnsupportedGrantType.WithHintf("Grant type %q is not supported.", gt)
	}
	if ferr != nil {
		log.LogInfoWithFields("provider", "Token request rejected", map[string]any{
			"client": client.GetID(),
			"error":  ferr.ErrorField,
			"hint":   ferr.HintField,
		})
		writeError(w, ferr)
		return
	}

	tok, err := p.issue(g)
	if err != nil {
		log.LogError("Failed to issue tokens: %v", err)
		writeError(w, fosite.ErrServerError.WithHint("Failed to issue tokens."))
		return
	}
	oauth.WriteTokenResponse(w, tok)
}

func (p *Provider) redeemCode(client *fosite.DefaultClient, form url.Values) (*grant, *fosite.RFC6749Error) {
	code := form.Get("code")
	now := p.clock.Now()

	p.mu.Lock()
	g, ok := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()

	if !ok || !now.Before(g.ExpiresAt) {
		return nil, fosite.ErrInvalidGrant.WithHint("The authorization code is invalid or expired.")
	}
	if g.ClientID != client.GetID() {
		return nil, fosite.ErrInvalidGrant.WithHint("The authorization code was issued to another client.")
	}
	if form.Get("redirect_uri") != g.RedirectURI {
		return nil, fosite.ErrInvalidGrant.WithHint("The redirect_uri does not match the authorization request.")
	}
	if g.Challenge != "" && !crypto.VerifyPKCE(form.Get("code_verifier"), g.Challenge) {
		return nil, fosite.ErrInvalidGrant.WithHint("The code_verifier does not match the code_challenge.")
	}
	return g, nil
}

func (p *Provider) redeemRefresh(client *fosite.DefaultClient, form url.Values) (*grant, *fosite.RFC6749Error) {
	rt := form.Get("refresh_token")
	now := p.clock.Now()

	p.mu.Lock()
	g, ok := p.refresh[rt]
	if ok && g.ClientID == client.GetID() {
		delete(p.refresh, rt)
	}
	p.mu.Unlock()

	if !ok || !now.Before(g.ExpiresAt) {
		return nil, fosite.ErrInvalidGrant.WithHint("The refresh token is invalid or expired.")
	}
	if g.ClientID != client.GetID() {
		return nil, fosite.ErrInvalidGrant.WithHint("The refresh token was issued to another client.")
	}
	if p.session(g.SessionID) == nil {
		return nil, fosite.ErrInvalidGrant.WithHint("The session behind the refresh token has ended.")
	}

	next := *g
	next.Nonce = ""
	if requested := strings.Fields(form.Get("scope")); len(requested) > 0 {
		for _, s := range requested {
			if !g.Scope.Has(s) {
				return nil, fosite.ErrInvalidScope.WithHintf("Scope %q was not originally granted.", s)
			}
		}
		next.Scope = requested
	}
	return &next, nil
}

// issue mints an access token, a rotated refresh token and, for openid
// requests, a signed ID token.
func (p *Provider) issue(g *grant) (*oauth.TokenResponse, error) {
	now := p.clock.Now()
	access, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, err
	}
	refresh, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, err
	}

	tok := &oauth.TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		RefreshToken: refresh,
		ExpiresIn:    int64(p.accessTTL / time.Second),
		Scope:        strings.Join(g.Scope, " "),
	}

	if g.Scope.Has("openid") {
		claims := jwt.MapClaims{
			"iss":       p.issuer,
			"sub":       g.Subject,
			"aud":       g.ClientID,
			"azp":       g.ClientID,
			"iat":       now.Unix(),
			"exp":       now.Add(p.accessTTL).Unix(),
			"auth_time": g.AuthTime.Unix(),
			"sid":       g.SessionID,
		}
		if g.Nonce != "" {
			claims["nonce"] = g.Nonce
		}
		for k, v := range p.userClaims(g.Scope) {
			claims[k] = v
		}
		if tok.IDToken, err = p.signer.sign(claims); err != nil {
			return nil, err
		}
	}

	accessGrant, refreshGrant := *g, *g
	accessGrant.ExpiresAt = now.Add(p.accessTTL)
	refreshGrant.ExpiresAt = now.Add(p.refreshTTL)

	p.mu.Lock()
	p.pruneLocked(now)
	p.access[access] = &accessGrant
	p.refresh[refresh] = &refreshGrant
	p.mu.Unlock()

	log.LogDebugWithFields("provider", "Tokens issued", map[string]any{
		"client":   g.ClientID,
		"id_token": tok.IDToken != "",
	})
	return tok, nil
}

// userClaims returns the profile claims scope allows
func (p *Provider) userClaims(scope fosite.Arguments) map[string]any {
	claims := map[string]any{}
	if scope.Has("profile") && p.user.Name != "" {
		claims["name"] = p.user.Name
	}
	if scope.Has("email") && p.user.Email != "" {
		claims["email"] = p.user.Email
		claims["email_verified"] = true
	}
	return claims
}

func (p *Provider) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		jsonwriter.WriteBearerError(w, "invalid_request", "Missing bearer token")
		return
	}
	access := strings.TrimPrefix(auth, "Bearer ")

	p.mu.Lock()
	g, ok := p.access[access]
	p.mu.Unlock()
	if !ok || !p.clock.Now().Before(g.ExpiresAt) {
		jsonwriter.WriteBearerError(w, "invalid_token", "The access token is invalid or expired")
		return
	}

	claims := p.userClaims(g.Scope)
	claims["sub"] = g.Subject
	_ = jsonwriter.Write(w, claims)
}

// handleLogout implements RP-initiated logout. The session is found from the
// id_token_hint or, failing that, the session cookie.
func (p *Provider) handleLogout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")

	var sid string
	if hint := q.Get("id_token_hint"); hint != "" {
		claims, err := p.signer.parse(hint)
		if err != nil {
			jsonwriter.WriteBadRequest(w, "Invalid id_token_hint")
			return
		}
		sid, _ = claims["sid"].(string)
		if aud, err := claims.GetAudience(); err == nil && len(aud) > 0 {
			if clientID != "" && !slices.Contains(aud, clientID) {
				jsonwriter.WriteBadRequest(w, "id_token_hint was not issued to client_id")
				return
			}
			clientID = aud[0]
		}
	}
	if sid == "" {
		sid, _ = cookie.GetSession(r)
	}

	target := q.Get("post_logout_redirect_uri")
	if target != "" && !slices.Contains(p.postLogout[clientID], target) {
		jsonwriter.WriteBadRequest(w, "post_logout_redirect_uri is not registered")
		return
	}

	if sid != "" {
		p.endSession(sid)
	}
	cookie.ClearSession(w)

	if target == "" {
		_ = jsonwriter.Write(w, map[string]string{"status": "signed_out"})
		return
	}
	u, err := url.Parse(target)
	if err != nil {
		jsonwriter.WriteBadRequest(w, "Malformed post_logout_redirect_uri")
		return
	}
	if state := q.Get("state"); state != "" {
		params := u.Query()
		params.Set("state", state)
		u.RawQuery = params.Encode()
	}
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// handleRevoke implements RFC 7009. Unknown tokens are not an error.
func (p *Provider) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, fosite.ErrInvalidRequest.WithHint("Malformed request body."))
		return
	}
	client, ferr := p.authenticateClient(r)
	if ferr != nil {
		writeError(w, ferr)
		return
	}
	tok := r.PostForm.Get("token")
	if tok == "" {
		writeError(w, fosite.ErrInvalidRequest.WithHint("The token parameter is required."))
		return
	}

	p.mu.Lock()
	for _, m := range []map[string]*grant{p.access, p.refresh} {
		if g, ok := m[tok]; ok && g.ClientID == client.GetID() {
			delete(m, tok)
		}
	}
	p.mu.Unlock()

	log.LogDebugWithFields("provider", "Token revoked", map[string]any{
		"client": client.GetID(),
		"hint":   r.PostForm.Get("token_type_hint"),
	})
	w.WriteHeader(http.StatusOK)
}

func (p *Provider) handleCheckSession(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("session_state")
	if _, ok := p.clients[q.Get("client_id")]; !ok || state == "" {
		_ = jsonwriter.Write(w, map[string]string{"status": "error"})
		return
	}
	status := "changed"
	if p.sessionStateCurrent(state) {
		status = "unchanged"
	}
	_ = jsonwriter.Write(w, map[string]string{"status": status})
}
