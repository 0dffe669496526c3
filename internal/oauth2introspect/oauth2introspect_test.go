package oauth2introspect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wago/wdx-fileservice/internal/clock"
	"github.com/wago/wdx-fileservice/internal/testutil"
)

func TestIntrospectActiveWithExpiresIn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"active":true,"username":"alice","expires_in":120}`))
	}))
	defer srv.Close()

	intro := New(srv.URL, "client", "secret", srv.Client(), clock.NewFake(time.Unix(1000, 0)))
	res, err := intro.Introspect(context.Background(), "tok")
	testutil.OK(t, err)
	testutil.Assert(t, res.Active, "expected active=true")
	testutil.Equals(t, "alice", res.Username)
	testutil.Equals(t, 120*time.Second, res.RemainingLifetime)
}

func TestIntrospectUsesExpAbsolute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"active":true,"username":"alice","exp":1100}`))
	}))
	defer srv.Close()

	intro := New(srv.URL, "client", "", srv.Client(), clock.NewFake(time.Unix(1000, 0)))
	res, err := intro.Introspect(context.Background(), "tok")
	testutil.OK(t, err)
	testutil.Equals(t, 100*time.Second, res.RemainingLifetime)
}

func TestIntrospectExpInThePastClampsToZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"active":true,"username":"alice","exp":500}`))
	}))
	defer srv.Close()

	intro := New(srv.URL, "client", "", srv.Client(), clock.NewFake(time.Unix(1000, 0)))
	res, err := intro.Introspect(context.Background(), "tok")
	testutil.OK(t, err)
	testutil.Equals(t, time.Duration(0), res.RemainingLifetime)
}

func TestIntrospectInactive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"active":false}`))
	}))
	defer srv.Close()

	intro := New(srv.URL, "client", "", srv.Client(), clock.NewFake(time.Unix(1000, 0)))
	res, err := intro.Introspect(context.Background(), "tok")
	testutil.OK(t, err)
	testutil.Assert(t, !res.Active, "expected active=false")
}

func TestIntrospectEmptyUsernameRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"active":true,"username":""}`))
	}))
	defer srv.Close()

	intro := New(srv.URL, "client", "", srv.Client(), clock.NewFake(time.Unix(1000, 0)))
	_, err := intro.Introspect(context.Background(), "tok")
	testutil.Assert(t, err != nil, "expected empty username to be rejected")
}
