package page

import (
	"net/http"
	"regexp"
	"strings"

	"fedilace/server/telemetry"
)

// MultiStaticPage serves one of several pre-rendered pages keyed by the
// webfinger resource query parameter.
type MultiStaticPage struct {
	StaticPage
	HostName string
	Pages    map[string]StaticPageHandler
}

var WellKnownWebFinger = MultiStaticPage{
	StaticPage: StaticPage{
		Path:        "/.well-known/webfinger",
		Accept:      "*/*",
		ContentType: "application/json",
	},
}

var WebFingerAccount = StaticPage{
	ContentType: "application/jrd+json",
	Template: `
{
	"subject": "{{ .WebFingerAccount .UserName }}",
	"aliases": [
		"{{ .UserID }}",
		"{{ .UserProfileURL }}"
	],
	"links": [
		{
			"rel": "self",
			"type": "application/activity+json",
			"href": "{{ .UserID }}"
		},
		{
			"rel": "http://webfinger.net/rel/profile-page",
			"type": "text/html",
			"href": "{{ .UserProfileURL }}"
		}
	]
}`,
}

var acctRegex = regexp.MustCompile(`acct:(.+)@(.+)`)

// Add renders and registers the webfinger document for one account.
func (s *MultiStaticPage) Add(username string, meta MetaData) {
	s.HostName = meta.HostName
	if s.Pages == nil {
		s.Pages = make(map[string]StaticPageHandler)
	}
	userMeta := UserMetaData{
		MetaData:       meta,
		UserName:       username,
		UserID:         meta.ActorURL(username),
		UserProfileURL: meta.ProfileURL(username),
	}
	userPage := NewStaticPage(WebFingerAccount) // copy
	err := userPage.Init(userMeta)
	if err == nil {
		s.Pages[username] = userPage
	}
}

// ServeHTTP answers acct: lookups for local accounts. The host part is
// matched case-insensitively, the account name is not.
func (s MultiStaticPage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		telemetry.Warn("webfinger request without a resource param")
		telemetry.Increment("webfinger_missing", 1)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	matches := acctRegex.FindStringSubmatch(resource)
	if matches == nil {
		telemetry.Warn("malformed webfinger resource request [%s]", resource)
		telemetry.Increment("webfinger_malformed", 1)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	username, hostname := matches[1], matches[2]
	if !strings.EqualFold(hostname, s.HostName) || s.Pages[username] == nil {
		telemetry.Warn("unrecognized webfinger resource request for [%s]", resource)
		telemetry.Increment("webfinger_unrecognized", 1)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.Pages[username].ServeHTTP(w, r)
}

func (s MultiStaticPage) Path() string {
	return s.StaticPage.Path
}

func (s MultiStaticPage) Accept() string {
	return s.StaticPage.Accept
}

func (s MultiStaticPage) Init(meta any) error {
	return nil // only the per-account pages carry templates
}
