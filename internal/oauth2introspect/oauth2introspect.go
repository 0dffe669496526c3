// Package oauth2introspect implements §4.H: RFC 7662 token introspection
// of third-party access tokens against the upstream authorization server.
package oauth2introspect

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wago/wdx-fileservice/internal/clock"
	"github.com/wago/wdx-fileservice/internal/errs"
)

// Result is the normalized introspection outcome.
type Result struct {
	Active            bool
	Username          string
	Scope             string
	ClientID          string
	RemainingLifetime time.Duration
}

// Introspector posts token_type_hint=access_token&token=<t> to the
// introspection endpoint, authenticating with HTTP Basic when a client
// secret is configured.
type Introspector struct {
	endpoint     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	clock        clock.Clock
}

// New constructs an Introspector against the given endpoint URL.
func New(endpoint, clientID, clientSecret string, httpClient *http.Client, clk clock.Clock) *Introspector {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Introspector{
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		clock:        clk,
	}
}

type introspectionResponse struct {
	Active    bool    `json:"active"`
	Username  string  `json:"username"`
	Scope     string  `json:"scope"`
	ClientID  string  `json:"client_id"`
	ExpiresIn *int64  `json:"expires_in"`
	Exp       *int64  `json:"exp"`
}

// Introspect verifies token against the upstream server.
func (i *Introspector) Introspect(ctx context.Context, token string) (*Result, error) {
	form := url.Values{
		"token_type_hint": {"access_token"},
		"token":           {token},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errs.Internalf("build introspection request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if i.clientSecret != "" {
		req.SetBasicAuth(i.clientID, i.clientSecret)
	}

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return nil, errs.Internalf("introspection request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.Internalf("read introspection response", err)
	}

	if resp.StatusCode >= 400 {
		return nil, errs.AuthFailedf("introspection endpoint returned HTTP " + resp.Status)
	}

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		return nil, errs.Internalf("introspection response is not JSON", nil)
	}

	var parsed introspectionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errs.Internalf("malformed introspection response", err)
	}

	if !parsed.Active {
		return &Result{Active: false}, nil
	}

	if parsed.Username == "" {
		return nil, errs.AuthFailedf("introspection response missing username")
	}

	var remaining time.Duration
	switch {
	case parsed.ExpiresIn != nil:
		remaining = time.Duration(*parsed.ExpiresIn) * time.Second
	case parsed.Exp != nil:
		now := i.clock.Now().Unix()
		delta := *parsed.Exp - now
		if delta < 0 {
			delta = 0
		}
		remaining = time.Duration(delta) * time.Second
	}

	return &Result{
		Active:            true,
		Username:          parsed.Username,
		Scope:             parsed.Scope,
		ClientID:          parsed.ClientID,
		RemainingLifetime: remaining,
	}, nil
}
