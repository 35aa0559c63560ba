package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/karlseguin/ccache/v3"
)

const (
	maxDateSkew  = 5 * time.Minute
	keyCacheTTL  = 72 * time.Hour
	keyCacheSize = 100_000
)

// KeyFetcher resolves a keyId to a public key PEM, usually by
// dereferencing the remote actor document it belongs to.
type KeyFetcher interface {
	FetchKey(ctx context.Context, keyID string) (string, error)
}

// Authenticator turns inbound request signatures into actor identities.
type Authenticator struct {
	fetch KeyFetcher
	keys  *ccache.Cache[string]
	now   func() time.Time
}

func NewAuthenticator(fetch KeyFetcher) *Authenticator {
	return &Authenticator{
		fetch: fetch,
		keys:  ccache.New(ccache.Configure[string]().MaxSize(keyCacheSize)),
		now:   time.Now,
	}
}

// Authenticate returns the id of the actor whose key signed the
// request, or "" for an unsigned (anonymous) request. A non-nil error
// means the request must be rejected as a client error.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (string, error) {
	sigHeader := r.Header.Get("Signature")
	if sigHeader == "" {
		// unsigned requests proceed with no subject
		return "", nil
	}

	dateValue := r.Header.Get("Date")
	if dateValue == "" {
		return "", fmt.Errorf("signed request without a Date header")
	}
	date, err := http.ParseTime(dateValue)
	if err != nil {
		return "", fmt.Errorf("unparseable Date header [%s]: %w", dateValue, err)
	}
	if skew := a.now().Sub(date); skew > maxDateSkew || skew < -maxDateSkew {
		return "", fmt.Errorf("request Date [%s] outside the accepted window", dateValue)
	}

	// the digest is checked before any signature math happens
	if len(body) > 0 && !digestsEqual(computeDigest(body), r.Header.Get("Digest")) {
		return "", fmt.Errorf("request body does not match its Digest header")
	}

	fields, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return "", err
	}
	keyID := fields["keyid"]
	if keyID == "" {
		return "", fmt.Errorf("signature header without a keyId")
	}

	header := func(name string) string {
		if name == "host" && r.Header.Get("Host") == "" {
			return r.Host
		}
		return r.Header.Get(name)
	}
	path := r.URL.RequestURI()

	pubPEM, err := a.lookupKey(r.Context(), keyID, false)
	if err != nil {
		return "", fmt.Errorf("resolving key [%s]: %w", keyID, err)
	}
	if !Validate(pubPEM, sigHeader, r.Method, path, header) {
		// the signer may have rotated keys since we cached theirs;
		// refetch once past the cache before giving up
		pubPEM, err = a.lookupKey(r.Context(), keyID, true)
		if err != nil || !Validate(pubPEM, sigHeader, r.Method, path, header) {
			return "", fmt.Errorf("signature verification failed for key [%s]", keyID)
		}
	}
	return actorFromKeyID(keyID), nil
}

func (a *Authenticator) lookupKey(ctx context.Context, keyID string, bypassCache bool) (string, error) {
	if !bypassCache {
		if item := a.keys.Get(keyID); item != nil && !item.Expired() {
			return item.Value(), nil
		}
	}
	pubPEM, err := a.fetch.FetchKey(ctx, keyID)
	if err != nil {
		return "", err
	}
	a.keys.Set(keyID, pubPEM, keyCacheTTL)
	return pubPEM, nil
}

// actorFromKeyID strips the key fragment, leaving the actor id.
func actorFromKeyID(keyID string) string {
	u, err := url.Parse(keyID)
	if err != nil {
		return keyID
	}
	u.Fragment = ""
	return u.String()
}
