package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// Verifier is an optional check run on a raw ID token after claim
// validation, typically a signature check.
type Verifier interface {
	Verify(ctx context.Context, raw string) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, raw string) error

func (f VerifierFunc) Verify(ctx context.Context, raw string) error { return f(ctx, raw) }

// KeySource supplies the key set used to check signatures.
type KeySource interface {
	KeySet(ctx context.Context) (jwk.Set, error)
}

// StaticKeySet serves a fixed key set.
type StaticKeySet struct {
	Set jwk.Set
}

func (s StaticKeySet) KeySet(context.Context) (jwk.Set, error) {
	if s.Set == nil {
		return nil, errors.New("no key set configured")
	}
	return s.Set, nil
}

// RemoteKeySet fetches and caches a JWKS document. Registration with the
// cache happens lazily on first use so construction never blocks on the network.
type RemoteKeySet struct {
	url   string
	cache *jwk.Cache

	mu          sync.Mutex
	registered  bool
	registerErr error
}

// NewRemoteKeySet creates a cached key source for jwksURL.
func NewRemoteKeySet(ctx context.Context, jwksURL string, client *http.Client) (*RemoteKeySet, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(client)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &RemoteKeySet{url: jwksURL, cache: cache}, nil
}

func (r *RemoteKeySet) register(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered {
		return r.registerErr
	}

	regCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.cache.Register(regCtx, r.url); err != nil {
		r.registerErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	r.registered = true
	return r.registerErr
}

func (r *RemoteKeySet) KeySet(ctx context.Context) (jwk.Set, error) {
	if err := r.register(ctx); err != nil {
		return nil, err
	}
	set, err := r.cache.Lookup(ctx, r.url)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}
	return set, nil
}

// SignatureVerifier checks JWS signatures against a KeySource.
type SignatureVerifier struct {
	keys    KeySource
	methods []string
}

// NewSignatureVerifier returns a verifier accepting the given algorithms,
// RS256 and ES256 when none are listed.
func NewSignatureVerifier(keys KeySource, methods ...string) *SignatureVerifier {
	if len(methods) == 0 {
		methods = []string{"RS256", "ES256"}
	}
	return &SignatureVerifier{keys: keys, methods: methods}
}

func (v *SignatureVerifier) Verify(ctx context.Context, raw string) error {
	parser := jwt.NewParser(jwt.WithValidMethods(v.methods), jwt.WithoutClaimsValidation())
	_, err := parser.Parse(raw, func(t *jwt.Token) (any, error) {
		set, err := v.keys.KeySet(ctx)
		if err != nil {
			return nil, err
		}

		var key jwk.Key
		if kid, ok := t.Header["kid"].(string); ok {
			found, ok := set.LookupKeyID(kid)
			if !ok {
				return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
			}
			key = found
		} else if set.Len() == 1 {
			key, _ = set.Key(0)
		} else {
			return nil, errors.New("token header missing kid")
		}

		var rawKey any
		if err := jwk.Export(key, &rawKey); err != nil {
			return nil, fmt.Errorf("failed to export raw key: %w", err)
		}
		return rawKey, nil
	})
	return err
}

// JWKSVerifier checks signatures against a JWKS document whose URL is only
// known once provider metadata has been resolved. The URL is looked up on
// first use and the key set is cached from then on.
type JWKSVerifier struct {
	ctx     context.Context
	resolve func(ctx context.Context) (string, error)
	client  *http.Client

	mu       sync.Mutex
	verifier *SignatureVerifier
}

// NewJWKSVerifier creates a verifier. ctx bounds the lifetime of the key
// cache; resolve returns the jwks_uri.
func NewJWKSVerifier(ctx context.Context, resolve func(ctx context.Context) (string, error), client *http.Client) *JWKSVerifier {
	return &JWKSVerifier{ctx: ctx, resolve: resolve, client: client}
}

func (v *JWKSVerifier) Verify(ctx context.Context, raw string) error {
	v.mu.Lock()
	if v.verifier == nil {
		jwksURL, err := v.resolve(ctx)
		if err != nil {
			v.mu.Unlock()
			return fmt.Errorf("failed to resolve jwks_uri: %w", err)
		}
		keys, err := NewRemoteKeySet(v.ctx, jwksURL, v.client)
		if err != nil {
			v.mu.Unlock()
			return err
		}
		v.verifier = NewSignatureVerifier(keys)
	}
	verifier := v.verifier
	v.mu.Unlock()

	return verifier.Verify(ctx, raw)
}
