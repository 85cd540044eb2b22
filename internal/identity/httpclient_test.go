package identity

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPProviderAuthenticate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/auth", r.URL.Path)

		var in struct {
			Handle     string `json:"handle"`
			Credential string `json:"credential"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))

		if in.Credential == "temp" {
			json.NewEncoder(w).Encode(AuthResult{Challenge: &Challenge{Name: ChallengeNewCredential, Session: "sess-1"}})
			return
		}
		json.NewEncoder(w).Encode(AuthResult{Tokens: &TokenSet{AccessToken: "at", IDToken: "it", RefreshToken: "rt", ExpiresIn: 3600}})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second)

	res, err := p.Authenticate(t.Context(), "guest-1", "temp")
	require.NoError(t, err)
	require.Nil(t, res.Tokens)
	require.NotNil(t, res.Challenge)
	require.Equal(t, "sess-1", res.Challenge.Session)

	res, err = p.Authenticate(t.Context(), "guest-1", "real")
	require.NoError(t, err)
	require.NotNil(t, res.Tokens)
	require.Equal(t, "at", res.Tokens.AccessToken)
	require.EqualValues(t, 3600, res.Tokens.ExpiresIn)
}

func TestHTTPProviderCreateConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/accounts", r.URL.Path)
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second)
	_, err := p.CreateAnonymousAccount(t.Context(), AccountSeed{Handle: "guest-1", Credential: "c"})
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestHTTPProviderFindByAttribute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/accounts/lookup", r.URL.Path)
		require.Equal(t, "handle", r.URL.Query().Get("key"))

		if r.URL.Query().Get("value") != "guest-known" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(Account{Handle: "guest-known", Status: "active"})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second)

	acc, err := p.FindByAttribute(t.Context(), "handle", "guest-known")
	require.NoError(t, err)
	require.Equal(t, "guest-known", acc.Handle)

	_, err = p.FindByAttribute(t.Context(), "handle", "guest-unknown")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPProviderSetCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/v1/accounts/guest-1/credential", r.URL.Path)

		var in struct {
			Credential string `json:"credential"`
			Permanent  bool   `json:"permanent"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.True(t, in.Permanent)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second)
	require.NoError(t, p.SetCredential(t.Context(), "guest-1", "cred", true))
}

func TestHTTPProviderUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	p := NewHTTPProvider(srv.URL, time.Second)

	_, err := p.Authenticate(t.Context(), "guest-1", "cred")
	require.ErrorIs(t, err, ErrUnavailable)

	srv.Close()
	_, err = p.Authenticate(t.Context(), "guest-1", "cred")
	require.ErrorIs(t, err, ErrUnavailable)
}
