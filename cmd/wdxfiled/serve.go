package main

import (
	"context"
	"net/http"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/wago/wdx-fileservice/internal/authbackend"
	"github.com/wago/wdx-fileservice/internal/clock"
	"github.com/wago/wdx-fileservice/internal/config"
	"github.com/wago/wdx-fileservice/internal/debug"
	"github.com/wago/wdx-fileservice/internal/fcgi"
	"github.com/wago/wdx-fileservice/internal/oauth2client"
	"github.com/wago/wdx-fileservice/internal/oauth2introspect"
	"github.com/wago/wdx-fileservice/internal/permissions"
	"github.com/wago/wdx-fileservice/internal/token"
)

type serveOptions struct {
	ConfigFile string
	SocketPath string
	SocketMode uint32
}

var serveOpts serveOptions

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the FastCGI dispatch loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOpts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&serveOpts.ConfigFile, "config", "/etc/wdxfiled.conf", "path to the key=value configuration file")
	flags.StringVar(&serveOpts.SocketPath, "socket", "/run/wdxfiled.sock", "path of the FastCGI UNIX-domain socket")
	flags.Uint32Var(&serveOpts.SocketMode, "socket-mode", 0660, "file mode applied to a freshly created socket")
	cmdRoot.AddCommand(cmd)
}

const (
	tokenKeyLifetime        = 15 * time.Minute
	tokenMaxTTL             = 24 * time.Hour
	wdxDefaultLifetime      = 5 * time.Minute
	introspectionCacheTTL   = time.Minute
	introspectionCacheSize  = 4096
	brokenTokenSlowdownProd = 5 * time.Second
	pollTimeoutMs           = 1000
)

func runServe(ctx context.Context, opts serveOptions) error {
	f, err := os.Open(opts.ConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	cfg, err := config.Parse(f)
	if err != nil {
		return err
	}

	clk := clock.System{}

	tokens, err := token.New(clk, tokenKeyLifetime, tokenMaxTTL)
	if err != nil {
		return err
	}

	oauthClient := oauth2client.New(cfg.OAuth2Origin, cfg.OAuth2TokenPath, cfg.OAuth2ClientID, cfg.OAuth2ClientSecret, http.DefaultClient)
	introspector := oauth2introspect.New(cfg.OAuth2Origin+cfg.OAuth2VerifyAccessPath, cfg.OAuth2ClientID, cfg.OAuth2ClientSecret, http.DefaultClient, clk)

	backend := authbackend.New(authbackend.Config{
		DefaultLifetime:     wdxDefaultLifetime,
		CacheTTL:            introspectionCacheTTL,
		CacheSize:           introspectionCacheSize,
		BrokenTokenSlowdown: brokenTokenSlowdownProd,
		RateLimit:           rate.Limit(10),
		RateBurst:           20,
	}, clk, oauthClient, introspector, tokens)

	srv, err := fcgi.New(opts.SocketPath, os.FileMode(opts.SocketMode))
	if err != nil {
		return err
	}
	defer srv.Close()

	handler := newDispatchHandler(backend, osGroupLister{})

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := srv.ReceiveNext(pollTimeoutMs, handler); err != nil {
			debug.Log("receive_next failed: %v", err)
		}
	}
}

// newDispatchHandler authenticates the bearer token on every request and
// resolves its permission set. Routing to the REST and file-transfer
// frontends themselves is out of scope per §1.
func newDispatchHandler(backend *authbackend.Backend, groups permissions.GroupLister) fcgi.Handler {
	return func(req *fcgi.Request) {
		if req.IsResponded() {
			// Accept() already auto-rejected (malformed/over-limit
			// CONTENT_LENGTH); nothing left to do.
			return
		}

		authz := req.Header("Authorization")
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authz, bearerPrefix) {
			respondUnauthorized(req)
			return
		}

		result, err := backend.AuthenticateToken(context.Background(), strings.TrimPrefix(authz, bearerPrefix))
		if err != nil {
			debug.Log("authenticate failed: %v", err)
			respondUnauthorized(req)
			return
		}
		if !result.Success {
			respondUnauthorized(req)
			return
		}

		if _, err := permissions.Resolve(result.UserName, groups); err != nil {
			debug.Log("permission resolution failed for %s: %v", result.UserName, err)
		}

		_ = req.Respond(fcgi.Response{Status: http.StatusOK})
		_ = req.Finish()
	}
}

// respondUnauthorized sets WWW-Authenticate on every rejection path, per
// the original's oauth2_resource_provider.cpp behavior (SPEC_FULL
// supplemented feature 5), not only on the token endpoint's own 401s.
func respondUnauthorized(req *fcgi.Request) {
	_ = req.Respond(fcgi.Response{
		Status:  http.StatusUnauthorized,
		Headers: []fcgi.Header{{Name: "WWW-Authenticate", Value: "Bearer"}},
	})
	_ = req.Finish()
}

type osGroupLister struct{}

func (osGroupLister) GroupsForUser(username string) ([]string, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, err
	}
	gids, err := u.GroupIds()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(gids))
	for _, gid := range gids {
		g, err := user.LookupGroupId(gid)
		if err != nil {
			continue
		}
		names = append(names, g.Name)
	}
	return names, nil
}
