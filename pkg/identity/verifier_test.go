package identity

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

// fakeGitHub answers `/user` for a single known token.
type fakeGitHub struct {
	token string
	login string
	calls atomic.Int32
	last  atomic.Pointer[http.Header]
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	h := r.Header.Clone()
	f.last.Store(&h)

	if r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"Bad credentials"}`)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"login":%q,"id":1}`, f.login)
}

func newTestVerifier(t *testing.T, handler http.Handler, opts ...Option) (*Verifier, *metrics.InmemSink) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	sink := metrics.NewInmemSink(time.Second, time.Minute)
	opts = append([]Option{WithEndpoint(srv.URL + "/user"), WithMetricSink(sink)}, opts...)
	v, err := New(opts...)
	require.NoError(t, err)
	return v, sink
}

func outcomes(sink *metrics.InmemSink) map[string]float64 {
	counts := make(map[string]float64)
	for _, intv := range sink.Data() {
		intv.RLock()
		for _, c := range intv.Counters {
			if c.Name != "funksiyachi.identity.verify.count" {
				continue
			}
			for _, l := range c.Labels {
				if l.Name == "outcome" {
					counts[l.Value] += c.Sum
				}
			}
		}
		intv.RUnlock()
	}
	return counts
}

func TestParseCredential(t *testing.T) {
	cases := []struct {
		raw  string
		want Credential
	}{
		{"ghp_abc", Credential{Token: "ghp_abc"}},
		{"Bearer ghp_abc", Credential{Token: "ghp_abc"}},
		{"  ghp_abc \n", Credential{Token: "ghp_abc"}},
		{"alice:ghp_abc", Credential{Username: "alice", HasUsername: true, Token: "ghp_abc"}},
		{"alice:Bearer ghp_abc ", Credential{Username: "alice", HasUsername: true, Token: "ghp_abc"}},
		{"alice:ghp:with:colons", Credential{Username: "alice", HasUsername: true, Token: "ghp:with:colons"}},
		{":ghp_abc", Credential{HasUsername: true, Token: "ghp_abc"}},
		{"", Credential{}},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, ParseCredential(tc.raw), "%q", tc.raw)
	}
}

func TestAuthenticate(t *testing.T) {
	gh := &fakeGitHub{token: "ghp_valid", login: "bob"}
	v, sink := newTestVerifier(t, gh)
	ctx := context.Background()

	t.Run("bare token", func(t *testing.T) {
		login, ok := v.Authenticate(ctx, "ghp_valid")
		require.True(t, ok)
		require.Equal(t, "bob", login)

		header := *gh.last.Load()
		require.Equal(t, DefaultUserAgent, header.Get("User-Agent"))
		require.Equal(t, "application/json", header.Get("Accept"))
	})

	t.Run("matching username", func(t *testing.T) {
		login, ok := v.Authenticate(ctx, "bob:Bearer ghp_valid")
		require.True(t, ok)
		require.Equal(t, "bob", login)
	})

	t.Run("username mismatch reports the real login", func(t *testing.T) {
		login, ok := v.Authenticate(ctx, "alice:ghp_valid")
		require.False(t, ok)
		require.Equal(t, "bob", login)
	})

	t.Run("rejected token", func(t *testing.T) {
		login, ok := v.Authenticate(ctx, "bob:ghp_revoked")
		require.False(t, ok)
		require.Empty(t, login)
	})

	t.Run("empty claimed username is a mismatch", func(t *testing.T) {
		login, ok := v.Authenticate(ctx, ":ghp_valid")
		require.False(t, ok)
		require.Equal(t, "bob", login)
	})

	require.Equal(t, int32(5), gh.calls.Load(), "exactly one request per verification")
	require.Equal(t, map[string]float64{
		outcomeOK:       2,
		outcomeMismatch: 2,
		outcomeStatus:   1,
	}, outcomes(sink))
}

func TestAuthenticateBadBody(t *testing.T) {
	for name, body := range map[string]string{
		"not json":        `<html>rate limited</html>`,
		"missing login":   `{"id":1}`,
		"login not text":  `{"login":42}`,
		"empty login":     `{"login":""}`,
		"truncated json":  `{"login":"bo`,
		"login is null":   `{"login":null}`,
		"array body":      `["bob"]`,
		"empty body":      ``,
		"whitespace body": "  \n",
	} {
		t.Run(name, func(t *testing.T) {
			v, sink := newTestVerifier(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, body)
			}))

			login, ok := v.Authenticate(context.Background(), "ghp_valid")
			require.False(t, ok)
			require.Empty(t, login)
			require.Equal(t, map[string]float64{outcomeDecode: 1}, outcomes(sink))
		})
	}
}

func TestAuthenticateTransportFailures(t *testing.T) {
	t.Run("slow provider hits the timeout", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		v, sink := newTestVerifier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}), WithTimeout(50*time.Millisecond))

		start := time.Now()
		login, ok := v.Authenticate(context.Background(), "ghp_valid")
		require.False(t, ok)
		require.Empty(t, login)
		require.Less(t, time.Since(start), 2*time.Second)
		require.Equal(t, map[string]float64{outcomeTransport: 1}, outcomes(sink))
	})

	t.Run("unreachable provider", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		endpoint := srv.URL + "/user"
		srv.Close()

		v, err := New(WithEndpoint(endpoint), WithMetricSink(nil))
		require.NoError(t, err)

		login, ok := v.Authenticate(context.Background(), "ghp_valid")
		require.False(t, ok)
		require.Empty(t, login)
	})

	t.Run("caller cancellation", func(t *testing.T) {
		gh := &fakeGitHub{token: "ghp_valid", login: "bob"}
		v, _ := newTestVerifier(t, gh)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, ok := v.Authenticate(ctx, "ghp_valid")
		require.False(t, ok)
	})
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	for _, opt := range []Option{
		WithEndpoint("ftp://example.com/user"),
		WithUserAgent(""),
		WithTimeout(0),
		WithHTTPClient(nil),
	} {
		_, err := New(opt)
		require.ErrorIs(t, err, ErrInvalidCfg)
	}
}

func TestCustomUserAgent(t *testing.T) {
	gh := &fakeGitHub{token: "t", login: "bob"}
	v, _ := newTestVerifier(t, gh, WithUserAgent("funksiyachi-test"))

	_, ok := v.Authenticate(context.Background(), "t")
	require.True(t, ok)
	require.Equal(t, "funksiyachi-test", (*gh.last.Load()).Get("User-Agent"))
}
