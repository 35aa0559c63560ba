package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"fedilace/server/activity"
	"fedilace/server/storage"
)

const (
	remoteBodyLimit = 1 << 20 // cap on remote response bodies
	remoteTimeout   = 10 * time.Second
	maxPageFetches  = 100 // runaway guard on remote collection paging
)

// StatusError reports a non-2xx response from a remote server. The
// distributor classifies deliveries by its code.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned status %d", e.Code)
}

// RemoteClient fetches and posts federated objects, signing every
// request as the acting user (or the system identity).
type RemoteClient interface {
	Get(ctx context.Context, id, username string) (*activity.Object, error)
	Post(ctx context.Context, inboxURL string, body []byte, username string) error
	GetKey(ctx context.Context, keyID string) (string, error)
	ForEachItem(ctx context.Context, collectionID, username string, fn func(id string) error) error
}

type httpRemote struct {
	client    *http.Client
	keys      storage.Keys
	formatter *URLFormatter
	userAgent string
}

func NewRemoteClient(keys storage.Keys, formatter *URLFormatter, userAgent string) RemoteClient {
	return &httpRemote{
		client:    &http.Client{Timeout: remoteTimeout},
		keys:      keys,
		formatter: formatter,
		userAgent: userAgent,
	}
}

func (c *httpRemote) signAs(username string, r *http.Request) error {
	if username == "" {
		username = storage.SystemUser
	}
	privKey, err := c.keys.GetPrivateKey(username)
	if err != nil {
		return fmt.Errorf("loading private key for [%s]: %w", username, err)
	}
	return SignRequest(privKey, c.formatter.KeyID(username), r)
}

func (c *httpRemote) Get(ctx context.Context, id, username string) (*activity.Object, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, id, nil)
	if err != nil {
		return nil, err
	}
	r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	r.Header.Set("User-Agent", c.userAgent)
	r.Header.Set("Accept", activity.ContentType)
	if err := c.signAs(username, r); err != nil {
		return nil, err
	}
	resp, err := c.client.Do(r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode}
	}
	jsonBytes, err := io.ReadAll(io.LimitReader(resp.Body, remoteBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("reading response from [%s]: %w", id, err)
	}
	obj, err := activity.FromJSON(jsonBytes)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling object from [%s]: %w", id, err)
	}
	return obj, nil
}

func (c *httpRemote) Post(ctx context.Context, inboxURL string, body []byte, username string) error {
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, inboxURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	r.Header.Set("User-Agent", c.userAgent)
	r.Header.Set("Content-Type", activity.ContentType)
	if err := c.signAs(username, r); err != nil {
		return err
	}
	resp, err := c.client.Do(r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, remoteBodyLimit))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// GetKey dereferences a keyId and returns the public key PEM published
// on the owning actor document.
func (c *httpRemote) GetKey(ctx context.Context, keyID string) (string, error) {
	obj, err := c.Get(ctx, keyID, storage.SystemUser)
	if err != nil {
		return "", err
	}
	if obj.PublicKey != nil && obj.PublicKey.PublicKeyPem != "" {
		return obj.PublicKey.PublicKeyPem, nil
	}
	return "", fmt.Errorf("no public key published at [%s]", keyID)
}

// FetchKey lets the remote client serve as the Authenticator's key source.
func (c *httpRemote) FetchKey(ctx context.Context, keyID string) (string, error) {
	return c.GetKey(ctx, keyID)
}

// ForEachItem walks a remote collection lazily, following first/next
// page links until the collection runs out or fn returns an error.
func (c *httpRemote) ForEachItem(ctx context.Context, collectionID, username string, fn func(id string) error) error {
	page, err := c.Get(ctx, collectionID, username)
	if err != nil {
		return err
	}
	visited := map[string]bool{collectionID: true}
	for fetches := 0; fetches < maxPageFetches; fetches++ {
		for _, id := range page.OrderedItems {
			if err := fn(id); err != nil {
				return err
			}
		}
		for _, id := range page.Items {
			if err := fn(id); err != nil {
				return err
			}
		}
		nextID := ""
		if len(page.OrderedItems) == 0 && len(page.Items) == 0 && activity.ParseID(page.First) != "" {
			nextID = activity.ParseID(page.First)
		} else if activity.ParseID(page.Next) != "" {
			nextID = activity.ParseID(page.Next)
		}
		if nextID == "" || visited[nextID] {
			return nil
		}
		visited[nextID] = true
		if page, err = c.Get(ctx, nextID, username); err != nil {
			return err
		}
	}
	return fmt.Errorf("collection [%s] has too many pages", collectionID)
}
