package avrio

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticAuthentication(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://coordinator/v1/statement", nil)
	require.NoError(t, NewStaticBearer("abc").Attach(req))
	assert.Equal(t, "Bearer abc", req.Header.Get("Authorization"))

	req = httptest.NewRequest(http.MethodGet, "https://coordinator/v1/statement", nil)
	require.NoError(t, BasicAuthentication{Username: "alice", Password: "pw"}.Attach(req))
	user, pass, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "pw", pass)

	handled, err := BasicAuthentication{}.Challenge(context.Background(), &http.Response{})
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestParseChallenge(t *testing.T) {
	tests := []struct {
		name     string
		values   []string
		wantOK   bool
		redirect string
		token    string
		id       string
	}{
		{
			name:     "full bearer challenge",
			values:   []string{`Bearer x_redirect_server="http://coord/oauth2/token/initiate/abc", x_token_server="http://coord/oauth2/token/abc"`},
			wantOK:   true,
			redirect: "http://coord/oauth2/token/initiate/abc",
			token:    "http://coord/oauth2/token/abc",
			id:       "abc",
		},
		{
			name:   "token server only",
			values: []string{`Basic realm="x"`, `bearer x_token_server="http://coord/t/1"`},
			wantOK: true,
			token:  "http://coord/t/1",
			id:     "1",
		},
		{
			name:   "bearer without parameters",
			values: []string{`Bearer realm="x"`},
			wantOK: true,
		},
		{
			name:   "not a bearer challenge",
			values: []string{"Negotiate"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := parseChallenge(tt.values)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.redirect, c.RedirectURI)
			assert.Equal(t, tt.token, c.TokenURI)
			assert.Equal(t, tt.id, c.ID)
		})
	}
}

// newOAuth2Coordinator returns a server that answers /v1/statement with a
// Bearer challenge until the request carries "Bearer <want>", and serves the
// token chain under /oauth2/token.
func newOAuth2Coordinator(t *testing.T, tokens func(n int32) string) (*httptest.Server, *atomic.Int32, *atomic.Int32) {
	t.Helper()
	var statements, polls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/statement":
			n := statements.Add(1)
			if r.Header.Get("Authorization") != "Bearer "+tokens(-1) {
				w.Header().Set("WWW-Authenticate", `Bearer x_redirect_server="`+srv.URL+`/oauth2/initiate/c`+string(rune('0'+n))+`", x_token_server="`+srv.URL+`/oauth2/token/c`+string(rune('0'+n))+`"`)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"id":"q1","stats":{"state":"FINISHED"},"columns":[{"name":"_col0","type":"integer"}],"data":[[1]]}`))
		case "/oauth2/token/c1", "/oauth2/token/c2", "/oauth2/token/c3":
			n := polls.Add(1)
			if token := tokens(n); token != "" {
				_, _ = w.Write([]byte(`{"token":"` + token + `"}`))
				return
			}
			_, _ = w.Write([]byte(`{"nextUri":"` + srv.URL + r.URL.Path + `"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &statements, &polls
}

func TestOAuth2Authentication_Flow(t *testing.T) {
	t.Run("select 1 after token polling", func(t *testing.T) {
		srv, statements, polls := newOAuth2Coordinator(t, func(n int32) string {
			if n == -1 || n >= 2 {
				return "good"
			}
			return ""
		})

		var redirects []string
		auth := NewOAuth2Authentication(func(u string) error {
			redirects = append(redirects, u)
			return nil
		}, WithTokenPollInterval(time.Millisecond))
		c := newTestClient(t, srv.URL, WithAuthentication(auth))

		resp, err := c.Submit(context.Background(), "SELECT 1")
		require.NoError(t, err)
		assert.Equal(t, "q1", resp.ID)
		assert.Empty(t, resp.NextURI)
		assert.Equal(t, int32(2), statements.Load())
		assert.Equal(t, int32(2), polls.Load())
		assert.Equal(t, []string{srv.URL + "/oauth2/initiate/c1"}, redirects)

		token, ok := auth.Token(c.ServerURL().Host)
		require.True(t, ok)
		assert.Equal(t, "good", token)
	})

	t.Run("two rejected tokens then success", func(t *testing.T) {
		srv, statements, _ := newOAuth2Coordinator(t, func(n int32) string {
			switch n {
			case -1, 3:
				return "third"
			case 1:
				return "first"
			case 2:
				return "second"
			}
			return ""
		})

		auth := NewOAuth2Authentication(nil, WithTokenPollInterval(time.Millisecond))
		c := newTestClient(t, srv.URL, WithAuthentication(auth))

		_, err := c.Submit(context.Background(), "SELECT 1")
		require.NoError(t, err)
		assert.Equal(t, int32(4), statements.Load())
	})

	t.Run("auth attempts are bounded", func(t *testing.T) {
		srv, statements, _ := newOAuth2Coordinator(t, func(n int32) string {
			if n == -1 {
				return "never-issued"
			}
			return "wrong"
		})

		auth := NewOAuth2Authentication(nil, WithTokenPollInterval(time.Millisecond))
		c := newTestClient(t, srv.URL, WithAuthentication(auth), WithMaxAuthAttempts(1))

		_, err := c.Submit(context.Background(), "SELECT 1")
		var protoErr *ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, http.StatusUnauthorized, protoErr.StatusCode)
		assert.Equal(t, int32(2), statements.Load())
	})
}

func TestOAuth2Authentication_ChallengeErrors(t *testing.T) {
	newResponse := func(challenge string) *http.Response {
		resp := &http.Response{
			StatusCode: http.StatusUnauthorized,
			Header:     http.Header{},
			Request:    httptest.NewRequest(http.MethodPost, "http://coordinator:8080/v1/statement", nil),
		}
		resp.Header.Set("WWW-Authenticate", challenge)
		return resp
	}

	t.Run("non bearer challenge is not handled", func(t *testing.T) {
		handled, err := NewOAuth2Authentication(nil).Challenge(context.Background(), newResponse("Negotiate"))
		require.NoError(t, err)
		assert.False(t, handled)
	})

	t.Run("missing token server", func(t *testing.T) {
		_, err := NewOAuth2Authentication(nil).Challenge(context.Background(), newResponse(`Bearer x_redirect_server="http://r"`))
		assert.ErrorIs(t, err, ErrNoTokenServer)
	})

	t.Run("token endpoint gone", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		auth := NewOAuth2Authentication(nil)
		_, err := auth.Challenge(context.Background(), newResponse(`Bearer x_token_server="`+srv.URL+`/oauth2/token/x"`))
		assert.ErrorIs(t, err, ErrTokenPollExhausted)
		assert.Contains(t, auth.RecoverableErrors(), ErrTokenPollExhausted)
	})

	t.Run("token endpoint error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"error":"access denied"}`))
		}))
		defer srv.Close()

		_, err := NewOAuth2Authentication(nil).Challenge(context.Background(), newResponse(`Bearer x_token_server="`+srv.URL+`"`))
		var authErr *AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.Contains(t, authErr.Message, "access denied")
	})

	t.Run("redirect handler failure", func(t *testing.T) {
		auth := NewOAuth2Authentication(func(string) error { return errors.New("no browser") })
		_, err := auth.Challenge(context.Background(), newResponse(`Bearer x_redirect_server="http://r", x_token_server="http://t"`))
		var authErr *AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.Contains(t, err.Error(), "no browser")
	})

	t.Run("slow redirect handler does not block polling", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"token":"t"}`))
		}))
		defer srv.Close()

		release := make(chan struct{})
		defer close(release)
		auth := NewOAuth2Authentication(func(string) error {
			<-release
			return nil
		}, WithRedirectTimeout(10*time.Millisecond))

		handled, err := auth.Challenge(context.Background(), newResponse(`Bearer x_redirect_server="http://r", x_token_server="`+srv.URL+`"`))
		require.NoError(t, err)
		assert.True(t, handled)
		token, ok := auth.Token("coordinator:8080")
		require.True(t, ok)
		assert.Equal(t, "t", token)
	})

	t.Run("late redirect handler failure stops polling", func(t *testing.T) {
		release := make(chan struct{})
		var once sync.Once
		var srv *httptest.Server
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			once.Do(func() { close(release) })
			_, _ = w.Write([]byte(`{"nextUri":"` + srv.URL + `/oauth2/token/x"}`))
		}))
		defer srv.Close()

		auth := NewOAuth2Authentication(func(string) error {
			<-release
			return errors.New("browser crashed")
		}, WithRedirectTimeout(10*time.Millisecond), WithTokenPollInterval(time.Millisecond))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := auth.Challenge(ctx, newResponse(`Bearer x_redirect_server="http://r", x_token_server="`+srv.URL+`/oauth2/token/x"`))
		var authErr *AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "redirect handler failed", authErr.Message)
		assert.ErrorContains(t, err, "browser crashed")
		_, ok := auth.Token("coordinator:8080")
		assert.False(t, ok)
	})
}
