package server

import (
	"io"
	"net/http"

	"fedilace/server/activity"
	"fedilace/server/storage"
	"fedilace/server/telemetry"
)

// inboxBodyLimit caps how much of a POSTed activity we will read.
const inboxBodyLimit = 1 << 20

// ActivityInbox handles requests to a single bot's inbox endpoint.
type ActivityInbox struct {
	bot           *Bot
	id            string
	auth          *Authenticator
	handler       *Handler
	db            storage.Collections
	formatter     *URLFormatter
	allowUnsigned bool
}

// GetHTTP returns the inbox as an OrderedCollection summary.
func (ai *ActivityInbox) GetHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.Request(r, "ActivityInbox.GetHTTP")
	telemetry.Increment("inbox_get_requests", 1)
	serveCollection(w, r, ai.db, ai.formatter, ai.bot.Username, InboxCollection)
}

// PostHTTP accepts an activity delivered to the bot's inbox.
// Malformed or unverifiable requests get a 4xx; once an activity is
// accepted for processing the response is 202 no matter what the
// handler decides to do with it.
func (ai *ActivityInbox) PostHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.Request(r, "ActivityInbox.PostHTTP")
	telemetry.Increment("inbox_post_requests", 1)

	act, ok := ai.receive(w, r)
	if !ok {
		return
	}
	ai.handler.HandleActivity(ai.bot, act)
	w.WriteHeader(http.StatusAccepted)
}

// receive reads, authenticates, and validates an inbox POST.
// On failure it writes the error response and returns ok=false.
func (ai *ActivityInbox) receive(w http.ResponseWriter, r *http.Request) (*activity.Object, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, inboxBodyLimit+1))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return nil, false
	}
	if len(body) > inboxBodyLimit {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}

	signer, err := ai.auth.Authenticate(r, body)
	if err != nil {
		telemetry.Warn("rejecting inbox post: %s", err)
		telemetry.Increment("inbox_auth_failures", 1)
		http.Error(w, "signature verification failed", http.StatusUnauthorized)
		return nil, false
	}
	if signer == "" && !ai.allowUnsigned {
		telemetry.Warn("rejecting unsigned inbox post from %s", r.RemoteAddr)
		telemetry.Increment("inbox_unsigned", 1)
		http.Error(w, "request must be signed", http.StatusUnauthorized)
		return nil, false
	}

	act, err := activity.FromJSON(body)
	if err != nil {
		http.Error(w, "malformed activity", http.StatusBadRequest)
		return nil, false
	}
	if act.MainType() == "" || act.ActorID() == "" {
		http.Error(w, "activity needs a type and an actor", http.StatusBadRequest)
		return nil, false
	}
	if signer != "" && !SameOrigin(signer, act.ActorID()) {
		telemetry.Warn("signer [%s] does not match actor [%s]", signer, act.ActorID())
		telemetry.Increment("inbox_actor_mismatch", 1)
		http.Error(w, "actor does not match signing key", http.StatusForbidden)
		return nil, false
	}
	return act, true
}

// SharedInbox handles POSTs to the server-wide inbox endpoint and
// fans the activity in to every addressed local bot.
type SharedInbox struct {
	service *ActivityService
}

func (si *SharedInbox) PostHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.Request(r, "SharedInbox.PostHTTP")
	telemetry.Increment("shared_inbox_requests", 1)

	// Validation rules are the same as a direct inbox; borrow the
	// first bot's receiver since they all share one authenticator.
	if len(si.service.bots) == 0 {
		http.Error(w, "no local actors", http.StatusNotFound)
		return
	}
	act, ok := si.service.inboxes[0].receive(w, r)
	if !ok {
		return
	}

	names := si.service.addressedBots(act)
	if len(names) == 0 {
		telemetry.Warn("shared inbox post [%s] addresses no local actor", act.ID)
		telemetry.Increment("shared_inbox_unaddressed", 1)
	}
	for _, name := range names {
		if bot := si.service.botByName(name); bot != nil {
			si.service.handler.HandleActivity(bot, act)
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// addressedBots resolves an activity's audience to local bot usernames.
// Direct actor ids and local followers collections name a bot outright;
// the Public audience reaches every bot that follows the sender.
func (s *ActivityService) addressedBots(act *activity.Object) []string {
	seen := make(map[string]bool)
	names := make([]string, 0)
	add := func(name string) {
		if name != "" && !seen[name] && s.botByName(name) != nil {
			seen[name] = true
			names = append(names, name)
		}
	}
	// Inbound audience lives in to/cc/audience; bto and bcc are
	// stripped before transmission but honored if a peer sends them.
	recipients := act.Recipients(false)
	recipients = append(recipients, act.Recipients(true)...)
	for _, recipient := range recipients {
		if recipient == activity.Public {
			followers, err := s.db.UsernamesWith(FollowingCollection, act.ActorID())
			if err != nil {
				telemetry.Error(err, "resolving public audience for [%s]", act.ID)
				continue
			}
			for _, name := range followers {
				add(name)
			}
			continue
		}
		parts, ok := s.formatter.Unformat(recipient)
		if !ok {
			continue
		}
		if parts.Type == "" && (parts.Collection == "" || parts.Collection == FollowersCollection) {
			add(parts.Username)
		}
	}
	return names
}
