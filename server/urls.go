package server

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Local id shape: /user/{username}[/{type}/{id}][/{collection}[/{page}]]
// Everything that builds or takes apart a local URI goes through here.

const UserPathPrefix = "user"

// Collection names owned by a local actor.
const (
	InboxCollection            = "inbox"
	OutboxCollection           = "outbox"
	FollowersCollection        = "followers"
	FollowingCollection        = "following"
	LikedCollection            = "liked"
	BlockedCollection          = "blocked"
	PendingFollowingCollection = "pendingFollowing"
	PendingFollowersCollection = "pendingFollowers"
)

// Collection names owned by an object.
const (
	RepliesCollection = "replies"
	LikesCollection   = "likes"
	LikersCollection  = "likers"
	SharesCollection  = "shares"
	SharersCollection = "sharers"
	ThreadCollection  = "thread"
)

var collectionNames = map[string]bool{
	InboxCollection:            true,
	OutboxCollection:           true,
	FollowersCollection:        true,
	FollowingCollection:        true,
	LikedCollection:            true,
	BlockedCollection:          true,
	PendingFollowingCollection: true,
	PendingFollowersCollection: true,
	RepliesCollection:          true,
	LikesCollection:            true,
	LikersCollection:           true,
	SharesCollection:           true,
	SharersCollection:          true,
	ThreadCollection:           true,
}

// URLParts is the decomposed form of a local id.
type URLParts struct {
	Username   string
	Type       string // object type segment, lower-cased ("note", "create", ...)
	ID         string // nanoid of the object, present only with Type
	Collection string
	Page       int // 1-based, 0 means no page segment
}

type URLFormatter struct {
	base *url.URL
}

func NewURLFormatter(rawURL string) (*URLFormatter, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url [%s]: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("server url [%s] needs a scheme and host", rawURL)
	}
	return &URLFormatter{base: u}, nil
}

// Format builds the canonical local URI for parts.
func (f *URLFormatter) Format(p URLParts) string {
	segments := []string{UserPathPrefix, p.Username}
	if p.Type != "" && p.ID != "" {
		segments = append(segments, strings.ToLower(p.Type), p.ID)
	}
	if p.Collection != "" {
		segments = append(segments, p.Collection)
		if p.Page > 0 {
			segments = append(segments, strconv.Itoa(p.Page))
		}
	}
	u := *f.base
	u.Path = "/" + strings.Join(segments, "/")
	return u.String()
}

// Unformat takes apart a local URI. The second result is false when the
// URI is not local or doesn't match the id shape.
func (f *URLFormatter) Unformat(uri string) (URLParts, bool) {
	var parts URLParts
	if !f.IsLocal(uri) {
		return parts, false
	}
	u, err := url.Parse(uri)
	if err != nil {
		return parts, false
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[0] != UserPathPrefix {
		return parts, false
	}
	parts.Username = segments[1]
	rest := segments[2:]
	if len(rest) == 0 {
		return parts, true
	}
	if !collectionNames[rest[0]] {
		// object segment: {type}/{id}
		if len(rest) < 2 {
			return parts, false
		}
		parts.Type = rest[0]
		parts.ID = rest[1]
		rest = rest[2:]
		if len(rest) == 0 {
			return parts, true
		}
	}
	if !collectionNames[rest[0]] {
		return parts, false
	}
	parts.Collection = rest[0]
	rest = rest[1:]
	if len(rest) == 0 {
		return parts, true
	}
	page, err := strconv.Atoi(rest[0])
	if err != nil || page < 1 || len(rest) > 1 {
		return parts, false
	}
	parts.Page = page
	return parts, true
}

// IsLocal reports whether the URI lives on this server.
func (f *URLFormatter) IsLocal(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return u.Scheme == f.base.Scheme && u.Host == f.base.Host
}

// Actor is the id of a local actor.
func (f *URLFormatter) Actor(username string) string {
	return f.Format(URLParts{Username: username})
}

// ActorCollection is the id of one of a local actor's collections.
func (f *URLFormatter) ActorCollection(username, collection string) string {
	return f.Format(URLParts{Username: username, Collection: collection})
}

// KeyID is the id of a local actor's public key.
func (f *URLFormatter) KeyID(username string) string {
	return f.Actor(username) + "#main-key"
}

// SharedInbox is the server-wide inbox URL.
func (f *URLFormatter) SharedInbox() string {
	u := *f.base
	u.Path = "/inbox"
	return u.String()
}

// MintObjectID creates a fresh, globally unique local id for an object
// of the given type owned by username.
func (f *URLFormatter) MintObjectID(username, objectType string) string {
	return f.Format(URLParts{
		Username: username,
		Type:     objectType,
		ID:       gonanoid.Must(),
	})
}
