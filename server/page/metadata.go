package page

import (
	"fmt"
	"net/url"
	"strings"
)

// MetaData contains server information typically used in templates
type MetaData struct {
	URL      string // full server URL with scheme, host, port
	Scheme   string // http or https
	HostName string // server hostname
	Port     int    // server port
}

// These functions set the base paths for endpoints

// WebFingerAccount gets a webfinger user account name
func (m MetaData) WebFingerAccount(name string) string {
	return fmt.Sprintf("acct:%s@%s", name, m.HostName)
}

// ActorURL gets an ActivityPub Actor ID and endpoint URL
func (m MetaData) ActorURL(name string) string {
	s, _ := url.JoinPath(m.URL, "user", name)
	return s
}

// ProfileURL gets an HTML profile page for a user name
func (m MetaData) ProfileURL(name string) string {
	s, _ := url.JoinPath(m.URL, "profile", name)
	return s
}

// SharedInboxURL is the server-wide inbox every actor advertises
func (m MetaData) SharedInboxURL() string {
	s, _ := url.JoinPath(m.URL, "inbox")
	return s
}

func (m MetaData) NewUserMetaData(name string) UserMetaData {
	return UserMetaData{
		MetaData:       m,
		UserName:       name,
		UserID:         m.ActorURL(name),
		UserProfileURL: m.ProfileURL(name),
	}
}

func NewMetaData(u *url.URL) MetaData {
	return MetaData{
		URL:      u.String(),
		Scheme:   u.Scheme,
		HostName: u.Hostname(),
	}
}

// NoteRef is a link to a recent note for the HTML profile page
type NoteRef struct {
	URL     string
	Content string
}

// UserMetaData contains user information typically used in templates
type UserMetaData struct {
	MetaData
	UserName        string // Plain undecorated username
	UserID          string // ActivityPub user ID (an URL for application/activity+json)
	UserProfileURL  string // HTML user profile page (an URL)
	UserDisplayName string
	UserSummary     string
	UserType        string // ActivityPub Actor type (Person, Service, etc.)
	PublicKeyPEM    string // SPKI PEM of the user's signing key
	LatestNotes     []NoteRef
}

func (m UserMetaData) collectionURL(name string) string {
	s, _ := url.JoinPath(m.URL, "user", m.UserName, name)
	return s
}

func (m UserMetaData) InboxURL() string {
	return m.collectionURL("inbox")
}

func (m UserMetaData) OutboxURL() string {
	return m.collectionURL("outbox")
}

func (m UserMetaData) FollowersURL() string {
	return m.collectionURL("followers")
}

func (m UserMetaData) FollowingURL() string {
	return m.collectionURL("following")
}

func (m UserMetaData) LikedURL() string {
	return m.collectionURL("liked")
}

func (m UserMetaData) UserPublicKeyID() string {
	return m.UserID + "#main-key"
}

// TransformedPublicKey is the key PEM with newlines escaped so it can
// be embedded in a JSON template.
func (m UserMetaData) TransformedPublicKey() string {
	return strings.ReplaceAll(strings.TrimSpace(m.PublicKeyPEM), "\n", `\n`)
}
