// Package authbackend implements §4.I: the central authentication entry
// points that tie together the token handler (4.F), the OAuth2 client
// (4.G) and the OAuth2 introspector (4.H).
package authbackend

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/wago/wdx-fileservice/internal/clock"
	"github.com/wago/wdx-fileservice/internal/debug"
	"github.com/wago/wdx-fileservice/internal/errs"
	"github.com/wago/wdx-fileservice/internal/introspectcache"
	"github.com/wago/wdx-fileservice/internal/oauth2client"
	"github.com/wago/wdx-fileservice/internal/oauth2introspect"
	"github.com/wago/wdx-fileservice/internal/token"
)

const wdxPrefix = "wdx$"

// Config holds the tunables of §4.I and §6.
type Config struct {
	// DefaultLifetime is DEFAULT_LIFETIME: the wdx-token lifetime ceiling.
	DefaultLifetime time.Duration
	// CacheTTL bounds an introspection cache entry's lifetime regardless
	// of the upstream token's own remaining lifetime.
	CacheTTL time.Duration
	// CacheSize bounds the number of cached introspection results.
	CacheSize int
	// BrokenTokenSlowdown is the fixed sleep applied on every
	// unauthenticated rejection. Zero in tests, 5s in production per §4.I.
	BrokenTokenSlowdown time.Duration
	// RateLimit and RateBurst configure the secondary token-bucket
	// throttle layered on top of BrokenTokenSlowdown (DOMAIN STACK).
	// RateLimit <= 0 disables the limiter.
	RateLimit rate.Limit
	RateBurst int
}

// Sleeper abstracts time.Sleep so tests can avoid real wall-clock delay
// while still exercising the slowdown code path.
type Sleeper func(time.Duration)

// Backend is the authentication entry point described by §4.I.
type Backend struct {
	cfg          Config
	clock        clock.Clock
	oauthClient  *oauth2client.Client
	introspector *oauth2introspect.Introspector
	tokens       *token.Handler
	cache        *introspectcache.Cache
	limiter      *rate.Limiter
	sleep        Sleeper
}

// New constructs a Backend. oauthClient, introspector and tokens are
// injected explicitly rather than reached through a global, per the
// "replace global singletons" design note.
func New(cfg Config, clk clock.Clock, oauthClient *oauth2client.Client, introspector *oauth2introspect.Introspector, tokens *token.Handler) *Backend {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return &Backend{
		cfg:          cfg,
		clock:        clk,
		oauthClient:  oauthClient,
		introspector: introspector,
		tokens:       tokens,
		cache:        introspectcache.New(cfg.CacheSize, clk),
		limiter:      limiter,
		sleep:        time.Sleep,
	}
}

// SetSleeper overrides the sleep function used for the anti-brute-force
// delay; intended for tests.
func (b *Backend) SetSleeper(s Sleeper) { b.sleep = s }

// Result is the outcome of an authenticate call.
type Result struct {
	Success        bool
	Expired        bool
	Token          string
	TokenExpiresIn time.Duration
	UserName       string
}

// AuthenticateCredentials implements the username/password entry point.
func (b *Backend) AuthenticateCredentials(ctx context.Context, username, password string) (*Result, error) {
	grant, err := b.oauthClient.PasswordGrant(ctx, username, password)
	if err != nil {
		b.onFailure(ctx)
		return &Result{Success: false}, nil
	}

	lifetime := b.wdxLifetime(grant.ExpiresIn)
	expirationEpoch := b.clock.Now().Add(lifetime).Unix()
	payload := buildPayload(expirationEpoch, grant.AccessToken, grant.RefreshToken, username)

	tok, err := b.tokens.Build(payload)
	if err != nil {
		return nil, err
	}

	return &Result{
		Success:        true,
		Expired:        grant.PasswordExpired,
		Token:          wdxPrefix + tok,
		TokenExpiresIn: lifetime,
		UserName:       username,
	}, nil
}

// AuthenticateToken implements the token entry point, dispatching on the
// wdx$ prefix per §6's "Authorization header" rule.
func (b *Backend) AuthenticateToken(ctx context.Context, presented string) (*Result, error) {
	b.cache.Sweep()

	if strings.HasPrefix(presented, wdxPrefix) {
		return b.authenticateWdxToken(ctx, strings.TrimPrefix(presented, wdxPrefix))
	}
	return b.authenticateUpstreamToken(ctx, presented)
}

func (b *Backend) authenticateWdxToken(ctx context.Context, raw string) (*Result, error) {
	payload, err := b.tokens.GetPayload(raw)
	if err != nil {
		b.onFailure(ctx)
		return &Result{Success: false, Expired: errs.Is(err, errs.AuthExpired)}, nil
	}

	expirationEpoch, access, refresh, user, err := parsePayload(payload)
	if err != nil {
		b.onFailure(ctx)
		return &Result{Success: false}, nil
	}

	now := b.clock.Now().Unix()
	if expirationEpoch > now {
		return &Result{
			Success:        true,
			Token:          wdxPrefix + raw,
			TokenExpiresIn: time.Duration(expirationEpoch-now) * time.Second,
			UserName:       user,
		}, nil
	}

	if access != "" {
		if res, err := b.introspector.Introspect(ctx, access); err == nil && res.Active {
			return b.remint(ctx, res.Username, access, refresh, res.RemainingLifetime)
		} else if err != nil {
			debug.Log("introspection of embedded access token failed: %v", err)
		}
	}

	if refresh != "" {
		if grant, err := b.oauthClient.RefreshGrant(ctx, refresh); err == nil {
			if res, err := b.introspector.Introspect(ctx, grant.AccessToken); err == nil && res.Active {
				return b.remint(ctx, res.Username, grant.AccessToken, grant.RefreshToken, res.RemainingLifetime)
			} else if err != nil {
				debug.Log("introspection of refreshed access token failed: %v", err)
			}
		} else {
			debug.Log("refresh grant failed: %v", err)
		}
	}

	b.onFailure(ctx)
	return &Result{Success: false, Expired: true}, nil
}

func (b *Backend) remint(ctx context.Context, username, access, refresh string, upstreamRemaining time.Duration) (*Result, error) {
	lifetime := b.wdxLifetimeFromRemaining(upstreamRemaining)
	expirationEpoch := b.clock.Now().Add(lifetime).Unix()
	payload := buildPayload(expirationEpoch, access, refresh, username)

	tok, err := b.tokens.Build(payload)
	if err != nil {
		return nil, err
	}

	return &Result{
		Success:        true,
		Token:          wdxPrefix + tok,
		TokenExpiresIn: lifetime,
		UserName:       username,
	}, nil
}

func (b *Backend) authenticateUpstreamToken(ctx context.Context, tok string) (*Result, error) {
	if user, remaining, ok := b.cache.Get(tok); ok {
		return &Result{Success: true, UserName: user, TokenExpiresIn: remaining}, nil
	}

	res, err := b.introspector.Introspect(ctx, tok)
	if err != nil {
		debug.Log("introspection failed, degrading to rejection: %v", err)
		b.onFailure(ctx)
		return &Result{Success: false}, nil
	}
	if !res.Active {
		b.onFailure(ctx)
		return &Result{Success: false}, nil
	}

	entryTTL := res.RemainingLifetime
	if b.cfg.CacheTTL > 0 && entryTTL > b.cfg.CacheTTL {
		entryTTL = b.cfg.CacheTTL
	}
	now := b.clock.Now()
	b.cache.Put(tok, introspectcache.Entry{
		EntryExpiration: now.Add(entryTTL),
		TokenExpiration: now.Add(res.RemainingLifetime),
		UserName:        res.Username,
	})

	return &Result{Success: true, UserName: res.Username, TokenExpiresIn: res.RemainingLifetime}, nil
}

// onFailure applies the fixed anti-brute-force sleep plus the secondary
// token-bucket throttle, per §4.I and property §8.8.
func (b *Backend) onFailure(ctx context.Context) {
	if b.cfg.BrokenTokenSlowdown > 0 {
		b.sleep(b.cfg.BrokenTokenSlowdown)
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			debug.Log("rate limiter wait aborted: %v", err)
		}
	}
}

// wdxLifetime applies the §4.I lifetime rule to a grant's expires_in.
func (b *Backend) wdxLifetime(upstreamExpiresIn *time.Duration) time.Duration {
	if upstreamExpiresIn == nil {
		return b.cfg.DefaultLifetime
	}
	return b.wdxLifetimeFromRemaining(*upstreamExpiresIn)
}

func (b *Backend) wdxLifetimeFromRemaining(remaining time.Duration) time.Duration {
	margin := remaining - time.Second
	if margin < 0 {
		margin = 0
	}
	if margin < b.cfg.DefaultLifetime {
		return margin
	}
	return b.cfg.DefaultLifetime
}

// buildPayload encodes the wdx-token payload as
// "<expiration_epoch>?<access_token>?<refresh_token>?<user_name>?", the
// trailing "?" terminating the field list per §3.
func buildPayload(expirationEpoch int64, access, refresh, user string) string {
	return fmt.Sprintf("%d?%s?%s?%s?", expirationEpoch, access, refresh, user)
}

func parsePayload(payload string) (expirationEpoch int64, access, refresh, user string, err error) {
	parts := strings.Split(payload, "?")
	if len(parts) != 5 || parts[4] != "" {
		return 0, "", "", "", errs.LogicErrorf("malformed wdx-token payload")
	}
	expirationEpoch, perr := strconv.ParseInt(parts[0], 10, 64)
	if perr != nil {
		return 0, "", "", "", errs.LogicErrorf("malformed wdx-token expiration field")
	}
	return expirationEpoch, parts[1], parts[2], parts[3], nil
}
