package github

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"featurebot/internal"
)

func TestInstallationIDFromPayload(t *testing.T) {
	id, ok, err := InstallationIDFromPayload([]byte(`{"action":"completed","installation":{"id":99}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !ok || id != 99 {
		t.Fatalf("expected installation id 99")
	}
}

func TestInstallationIDFromPayloadMissing(t *testing.T) {
	id, ok, err := InstallationIDFromPayload([]byte(`{"installation":{}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ok || id != 0 {
		t.Fatalf("expected no installation id")
	}
}

func TestInstallationIDFromPayloadInvalid(t *testing.T) {
	_, _, err := InstallationIDFromPayload([]byte(`{`))
	if err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}

func writeTestKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "app.pem")
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func TestInstallationTokenIsCached(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if !strings.HasSuffix(r.URL.Path, "/app/installations/7/access_tokens") || r.Method != http.MethodPost {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("missing bearer jwt")
		}
		expires := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		fmt.Fprintf(w, `{"token":"inst-token","expires_at":%q}`, expires)
	}))
	defer srv.Close()

	auth := newAppAuthenticator(AppConfig{AppID: 1, PrivateKeyPath: writeTestKey(t), BaseURL: srv.URL + "/"})
	for i := 0; i < 3; i++ {
		token, err := auth.installationToken(context.Background(), 7)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		if token != "inst-token" {
			t.Fatalf("unexpected token %q", token)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected one exchange, got %d", got)
	}
}

func TestInstallationTokenRefreshesNearExpiry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		expires := time.Now().Add(time.Minute).UTC().Format(time.RFC3339)
		fmt.Fprintf(w, `{"token":"token-%d","expires_at":%q}`, n, expires)
	}))
	defer srv.Close()

	auth := newAppAuthenticator(AppConfig{AppID: 1, PrivateKeyPath: writeTestKey(t), BaseURL: srv.URL})
	first, err := auth.installationToken(context.Background(), 7)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	second, err := auth.installationToken(context.Background(), 7)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if first == second {
		t.Fatalf("expected a fresh token inside the refresh margin")
	}
}

func TestInstallationTokenExchangeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"Bad credentials"}`)
	}))
	defer srv.Close()

	auth := newAppAuthenticator(AppConfig{AppID: 1, PrivateKeyPath: writeTestKey(t), BaseURL: srv.URL})
	if _, err := auth.installationToken(context.Background(), 7); err == nil || !strings.Contains(err.Error(), "Bad credentials") {
		t.Fatalf("expected exchange error, got %v", err)
	}
}

func TestFactoryTokenMode(t *testing.T) {
	f := NewFactory(internal.GitHubConfig{Token: "pat", BaseURL: "https://ghe.example.com/api/v3"})
	client, err := f.ForInstallation(context.Background(), 0)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if got := client.BaseURL.String(); got != "https://ghe.example.com/api/v3/" {
		t.Fatalf("unexpected base url %s", got)
	}
}

func TestFactoryWithoutCredentials(t *testing.T) {
	f := NewFactory(internal.GitHubConfig{})
	if _, err := f.ForInstallation(context.Background(), 5); err != ErrNoCredentials {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestSignAppJWT(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1700000000, 0)
	token, err := signAppJWT(42, key, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected three segments, got %d", len(parts))
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode claims: %v", err)
	}
	var claims appClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}
	if claims.Issuer != 42 || claims.IssuedAt != now.Unix()-30 || claims.ExpiresAt != now.Add(9*time.Minute).Unix() {
		t.Fatalf("unexpected claims %+v", claims)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

func TestParsePrivateKeyFormats(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := parsePrivateKey(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})); err != nil {
		t.Fatalf("pkcs8: %v", err)
	}
	if _, err := parsePrivateKey([]byte("not a key")); err == nil {
		t.Fatalf("expected PEM error")
	}
}
