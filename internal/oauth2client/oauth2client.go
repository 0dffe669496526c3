// Package oauth2client implements §4.G: password-grant and refresh-grant
// requests against an upstream OAuth2 authorization server, built on
// golang.org/x/oauth2 rather than a hand-rolled form-urlencoded client.
package oauth2client

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"

	"github.com/wago/wdx-fileservice/internal/debug"
	"github.com/wago/wdx-fileservice/internal/errs"
)

// maxExpiresIn is the threshold above which an expires_in value is
// considered bogus and ignored, per §4.G.
const maxExpiresIn = int64(1) << 32

// maxGrantRetries bounds the number of retries for a transport-level
// failure (timeout, connection refused) talking to the token endpoint.
// Any HTTP error response from the endpoint, 5xx included, arrives as an
// oauth2.RetrieveError and is never retried.
const maxGrantRetries = 3

// GrantResult is the normalized result of a password or refresh grant.
type GrantResult struct {
	AccessToken     string
	RefreshToken    string
	TokenType       string
	ExpiresIn       *time.Duration // nil if absent or ignored as out-of-range
	PasswordExpired bool
}

// Client issues password-grant and refresh-grant requests.
type Client struct {
	cfg        oauth2.Config
	httpClient *http.Client
}

// New constructs a Client posting to origin+tokenPath, using clientID (and
// optional clientSecret) as configured in §6.
func New(origin, tokenPath, clientID, clientSecret string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: origin + tokenPath,
			},
			Scopes: []string{"wda"},
		},
		httpClient: httpClient,
	}
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// PasswordGrant performs grant_type=password against the token endpoint,
// retrying transient transport failures with a bounded exponential
// backoff.
func (c *Client) PasswordGrant(ctx context.Context, username, password string) (*GrantResult, error) {
	tok, err := c.retrieveWithRetry(ctx, func() (*oauth2.Token, error) {
		return c.cfg.PasswordCredentialsToken(c.withHTTPClient(ctx), username, password)
	})
	if err != nil {
		return nil, err
	}
	return c.normalize(tok)
}

// RefreshGrant performs grant_type=refresh_token against the token
// endpoint. If the upstream response omits a new refresh_token, the
// original one is preserved (golang.org/x/oauth2's token source does this
// automatically).
func (c *Client) RefreshGrant(ctx context.Context, refreshToken string) (*GrantResult, error) {
	tok, err := c.retrieveWithRetry(ctx, func() (*oauth2.Token, error) {
		src := c.cfg.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
		return src.Token()
	})
	if err != nil {
		return nil, err
	}
	return c.normalize(tok)
}

// retrieveWithRetry runs fetch, retrying with an exponential backoff on
// any transport-level failure. An upstream rejection (oauth2.RetrieveError)
// is classified as permanent and returned on the first attempt.
func (c *Client) retrieveWithRetry(ctx context.Context, fetch func() (*oauth2.Token, error)) (*oauth2.Token, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxGrantRetries), ctx)

	var tok *oauth2.Token
	op := func() error {
		t, err := fetch()
		if err != nil {
			var retrieveErr *oauth2.RetrieveError
			if asRetrieveError(err, &retrieveErr) {
				return backoff.Permanent(classifyGrantError(err))
			}
			return classifyGrantError(err)
		}
		tok = t
		return nil
	}

	attempt := 0
	err := backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		attempt++
		debug.Log("token endpoint attempt %d failed, retrying in %v: %v", attempt, d, err)
	})
	if err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return nil, perm.Err
		}
		return nil, err
	}
	return tok, nil
}

func (c *Client) normalize(tok *oauth2.Token) (*GrantResult, error) {
	if tok.TokenType != "" && !strings.EqualFold(tok.TokenType, "bearer") {
		return nil, errs.AuthFailedf("upstream token_type is not bearer")
	}

	res := &GrantResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}

	if d, ok := parseExpiresIn(tok.Extra("expires_in")); ok {
		res.ExpiresIn = &d
	}

	if pe, ok := tok.Extra("password_expired").(bool); ok {
		res.PasswordExpired = pe
	}

	return res, nil
}

// parseExpiresIn accepts the shapes oauth2.Token.Extra returns for
// "expires_in" (float64 from a JSON body, int64 or string from a
// form-encoded one) and ignores, with a warning, any value at or above
// 2^32 seconds.
func parseExpiresIn(raw interface{}) (time.Duration, bool) {
	if raw == nil {
		return 0, false
	}

	var seconds int64
	switch v := raw.(type) {
	case int64:
		seconds = v
	case float64:
		seconds = int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		seconds = n
	default:
		return 0, false
	}

	if seconds >= maxExpiresIn {
		debug.Log("ignoring out-of-range expires_in=%d", seconds)
		return 0, false
	}

	return time.Duration(seconds) * time.Second, true
}

// classifyGrantError maps an oauth2 library error (HTTP >= 400 or
// malformed JSON) onto the §7 taxonomy.
func classifyGrantError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if asRetrieveError(err, &retrieveErr) {
		return errs.Wrap(errs.AuthFailed, "upstream token endpoint rejected the request", retrieveErr)
	}
	return errs.Internalf("upstream token endpoint request failed", err)
}

func asRetrieveError(err error, target **oauth2.RetrieveError) bool {
	for err != nil {
		if re, ok := err.(*oauth2.RetrieveError); ok {
			*target = re
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
