// Package session implements login for the relay's HTTP surface: an OAuth
// authorization-code exchange against a configured authorization server,
// with the resulting identity sealed into an encrypted cookie. The cookie
// payload is msgpack encoded and sealed with XChaCha20-Poly1305; nothing
// about a session is stored server side.
package session

import (
	"crypto/cipher"
	"crypto/hmac"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	sha256 "github.com/minio/sha256-simd"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/frand"

	"voxrelay.dev/config"
	"voxrelay.dev/utils/chk"
	"voxrelay.dev/utils/errorf"
	"voxrelay.dev/utils/log"
)

const (
	// CookieName is the sealed session cookie.
	CookieName = "vox_session"
	// StateCookie carries the oauth state between login and callback.
	StateCookie = "vox_state"
	// DefaultTTL is how long a sealed session stays valid when the token
	// response does not say otherwise.
	DefaultTTL = 7 * 24 * time.Hour

	stateTTL = 10 * time.Minute
)

// T is the payload sealed into the session cookie.
type T struct {
	Subject string `msgpack:"s"`
	Token   string `msgpack:"t"`
	Expiry  int64  `msgpack:"e"`
}

// S seals and opens session cookies and drives the oauth flow.
type S struct {
	cfg    *config.C
	aead   cipher.AEAD
	macKey []byte
	client *http.Client
}

// New builds a session manager from the configured cookie key, which must
// be 32 hex encoded bytes.
func New(cfg *config.C) (s *S, err error) {
	var key []byte
	if key, err = hex.DecodeString(cfg.CookieKey); chk.E(err) {
		return
	}
	if len(key) != chacha20poly1305.KeySize {
		err = errorf.E(
			"cookie key must be %d bytes, got %d",
			chacha20poly1305.KeySize, len(key),
		)
		return
	}
	s = &S{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
	if s.aead, err = chacha20poly1305.NewX(key); chk.E(err) {
		return
	}
	// the state mac key is derived from the cookie key so only one secret
	// needs configuring
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("voxrelay oauth state"))
	s.macKey = mac.Sum(nil)
	return
}

// Seal encodes and encrypts a session into a cookie value.
func (s *S) Seal(t *T) (out string, err error) {
	var plain []byte
	if plain, err = msgpack.Marshal(t); chk.E(err) {
		return
	}
	nonce := frand.Bytes(chacha20poly1305.NonceSizeX)
	sealed := s.aead.Seal(nonce, nonce, plain, nil)
	out = base64.RawURLEncoding.EncodeToString(sealed)
	return
}

// Open decrypts and decodes a cookie value back into a session.
func (s *S) Open(v string) (t *T, err error) {
	var raw []byte
	if raw, err = base64.RawURLEncoding.DecodeString(v); err != nil {
		return
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		err = errorf.D("sealed session too short")
		return
	}
	var plain []byte
	if plain, err = s.aead.Open(
		nil, raw[:chacha20poly1305.NonceSizeX],
		raw[chacha20poly1305.NonceSizeX:], nil,
	); err != nil {
		return
	}
	t = &T{}
	if err = msgpack.Unmarshal(plain, t); chk.D(err) {
		t = nil
	}
	return
}

// Get returns the valid session attached to the request, if any.
func (s *S) Get(r *http.Request) (t *T, err error) {
	var c *http.Cookie
	if c, err = r.Cookie(CookieName); err != nil {
		return
	}
	if t, err = s.Open(c.Value); err != nil {
		return
	}
	if t.Expiry < time.Now().Unix() {
		t = nil
		err = errorf.D("session expired")
	}
	return
}

func (s *S) sign(nonce string) string {
	mac := hmac.New(sha256.New, s.macKey)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// Login starts the authorization-code flow: it pins an HMAC signed state in
// a short lived cookie and redirects to the authorization endpoint.
func (s *S) Login(w http.ResponseWriter, r *http.Request) {
	nonce := hex.EncodeToString(frand.Bytes(16))
	state := nonce + "." + s.sign(nonce)
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", s.cfg.OAuthClientID)
	q.Set("redirect_uri", s.cfg.OAuthRedirect)
	q.Set("state", state)
	http.Redirect(
		w, r, s.cfg.OAuthAuthURL+"?"+q.Encode(), http.StatusFound,
	)
}

// Callback verifies the returned state against its cookie and signature,
// exchanges the code for a token, and seals the session cookie.
func (s *S) Callback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	cookie, err := r.Cookie(StateCookie)
	if err != nil || state == "" || cookie.Value != state {
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}
	nonce, sig, found := strings.Cut(state, ".")
	if !found || !hmac.Equal([]byte(sig), []byte(s.sign(nonce))) {
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}
	tok, err := s.exchange(code)
	if chk.E(err) {
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		return
	}
	expiry := time.Now().Add(DefaultTTL)
	if tok.ExpiresIn > 0 {
		expiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	subject := tok.Subject
	if subject == "" {
		subject = s.cfg.OAuthClientID
	}
	sealed, err := s.Seal(&T{
		Subject: subject,
		Token:   tok.AccessToken,
		Expiry:  expiry.Unix(),
	})
	if chk.E(err) {
		http.Error(w, "session seal failed", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sealed,
		Path:     "/",
		Expires:  expiry,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	// clear the state cookie
	http.SetCookie(w, &http.Cookie{
		Name: StateCookie, Value: "", Path: "/", MaxAge: -1,
	})
	log.I.F("session established for %s", subject)
	http.Redirect(w, r, "/", http.StatusFound)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Subject     string `json:"sub"`
}

func (s *S) exchange(code string) (tok *tokenResponse, err error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", s.cfg.OAuthRedirect)
	form.Set("client_id", s.cfg.OAuthClientID)
	form.Set("client_secret", s.cfg.OAuthSecret)
	var resp *http.Response
	if resp, err = s.client.PostForm(
		s.cfg.OAuthTokenURL, form,
	); chk.E(err) {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err = errorf.E("token endpoint returned %d", resp.StatusCode)
		return
	}
	tok = &tokenResponse{}
	if err = json.NewDecoder(resp.Body).Decode(tok); chk.E(err) {
		tok = nil
		return
	}
	if tok.AccessToken == "" {
		tok, err = nil, errorf.E("token endpoint returned no access token")
	}
	return
}

// Middleware rejects requests that do not carry a valid session cookie.
func (s *S) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.Get(r); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"login required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
