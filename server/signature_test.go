package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return priv, string(pubPEM)
}

func signedPostRequest(t *testing.T, priv *rsa.PrivateKey, keyID, target string, body []byte) *http.Request {
	t.Helper()
	r := httptest.NewRequest("POST", target, strings.NewReader(string(body)))
	r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	r.Header.Set("User-Agent", "test-agent")
	r.Header.Set("Content-Type", "application/activity+json")
	require.NoError(t, SignRequest(priv, keyID, r))
	return r
}

func TestSignature_PostRoundTrip(t *testing.T) {
	priv, pubPEM := testKeyPair(t)
	body := []byte(`{"type":"Note"}`)
	r := signedPostRequest(t, priv, "https://remote.example/user/alice#main-key", "https://local.example/user/bob/inbox", body)

	assert.NotEmpty(t, r.Header.Get("Digest"))
	assert.True(t, digestsEqual(computeDigest(body), r.Header.Get("Digest")))

	header := func(name string) string {
		if name == "host" {
			return r.Host
		}
		return r.Header.Get(name)
	}
	ok := Validate(pubPEM, r.Header.Get("Signature"), r.Method, r.URL.RequestURI(), header)
	assert.True(t, ok)
}

func TestSignature_GetRoundTrip(t *testing.T) {
	priv, pubPEM := testKeyPair(t)
	r := httptest.NewRequest("GET", "https://remote.example/user/alice?page=1", nil)
	r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	r.Header.Set("User-Agent", "test-agent")
	r.Header.Set("Accept", "application/activity+json")
	require.NoError(t, SignRequest(priv, "https://local.example/user/bob#main-key", r))

	// no body, no digest
	assert.Empty(t, r.Header.Get("Digest"))

	header := func(name string) string {
		if name == "host" {
			return r.Host
		}
		return r.Header.Get(name)
	}
	assert.True(t, Validate(pubPEM, r.Header.Get("Signature"), r.Method, r.URL.RequestURI(), header))

	// query string is part of the signed target
	assert.False(t, Validate(pubPEM, r.Header.Get("Signature"), r.Method, "/user/alice", header))
}

func TestSignature_WrongKeyFails(t *testing.T) {
	priv, _ := testKeyPair(t)
	_, otherPEM := testKeyPair(t)
	body := []byte(`{"type":"Note"}`)
	r := signedPostRequest(t, priv, "https://remote.example/user/alice#main-key", "https://local.example/inbox", body)

	header := func(name string) string {
		if name == "host" {
			return r.Host
		}
		return r.Header.Get(name)
	}
	assert.False(t, Validate(otherPEM, r.Header.Get("Signature"), r.Method, r.URL.RequestURI(), header))
}

func TestSignature_TamperedHeaderFails(t *testing.T) {
	priv, pubPEM := testKeyPair(t)
	body := []byte(`{"type":"Note"}`)
	r := signedPostRequest(t, priv, "https://remote.example/user/alice#main-key", "https://local.example/inbox", body)

	r.Header.Set("Date", time.Now().Add(time.Minute).UTC().Format(http.TimeFormat))
	header := func(name string) string {
		if name == "host" {
			return r.Host
		}
		return r.Header.Get(name)
	}
	assert.False(t, Validate(pubPEM, r.Header.Get("Signature"), r.Method, r.URL.RequestURI(), header))
}

func TestSignature_ParseHeader(t *testing.T) {
	fields, err := parseSignatureHeader(`keyId="https://x/u#main-key",headers="(request-target) host date",signature="abc==",algorithm="rsa-sha256"`)
	require.NoError(t, err)
	assert.Equal(t, "https://x/u#main-key", fields["keyid"])
	assert.Equal(t, "(request-target) host date", fields["headers"])
	assert.Equal(t, "abc==", fields["signature"])
	assert.Equal(t, "rsa-sha256", fields["algorithm"])
}

func TestSignature_ParseHeaderEscapes(t *testing.T) {
	fields, err := parseSignatureHeader(`keyId="quote \" and backslash \\",algorithm=rsa-sha256`)
	require.NoError(t, err)
	assert.Equal(t, `quote " and backslash \`, fields["keyid"])
	assert.Equal(t, "rsa-sha256", fields["algorithm"])

	_, err = parseSignatureHeader(`keyId="never closed`)
	assert.Error(t, err)
}

func TestSignature_DigestAlgorithmCase(t *testing.T) {
	body := []byte("hello")
	digest := computeDigest(body)
	upper := "SHA-256" + digest[len("sha-256"):]
	assert.True(t, digestsEqual(digest, upper))
	assert.False(t, digestsEqual(digest, "sha-256=bogus"))
}
