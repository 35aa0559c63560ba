package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"fedilace/server/activity"
	"fedilace/server/storage"
	"fedilace/server/telemetry"
)

const collectionPageSize = 50

// ActivityOutbox serves a bot's outbox and the other actor collections
// as paged OrderedCollections.
type ActivityOutbox struct {
	bot       *Bot
	id        string
	db        storage.Collections
	formatter *URLFormatter
}

func (ao *ActivityOutbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.Request(r, "ActivityOutbox.ServeHTTP")
	telemetry.Increment("outbox_requests", 1)
	serveCollection(w, r, ao.db, ao.formatter, ao.bot.Username, OutboxCollection)
}

// CollectionHTTP serves followers, following, and liked. The name comes
// from the route so one handler covers all of them.
func (ao *ActivityOutbox) CollectionHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.Request(r, "ActivityOutbox.CollectionHTTP")
	name := mux.Vars(r)["collection"]
	switch name {
	case FollowersCollection, FollowingCollection, LikedCollection:
		serveCollection(w, r, ao.db, ao.formatter, ao.bot.Username, name)
	default:
		http.NotFound(w, r)
	}
}

// PageHTTP serves one page of an actor collection.
func (ao *ActivityOutbox) PageHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.Request(r, "ActivityOutbox.PageHTTP")
	vars := mux.Vars(r)
	name := vars["collection"]
	switch name {
	case OutboxCollection, FollowersCollection, FollowingCollection, LikedCollection:
	default:
		http.NotFound(w, r)
		return
	}
	page, err := strconv.Atoi(vars["page"])
	if err != nil || page < 1 {
		http.NotFound(w, r)
		return
	}
	serveCollectionPage(w, ao.db, ao.formatter, ao.bot.Username, name, page)
}

// serveCollection writes the OrderedCollection summary document.
func serveCollection(w http.ResponseWriter, r *http.Request, db storage.Collections, formatter *URLFormatter, username, name string) {
	size, err := db.CollectionSize(username, name)
	if err != nil {
		telemetry.Error(err, "sizing collection [%s] of [%s]", name, username)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	coll := activity.OrderedCollection{
		Context:    activity.Context,
		Type:       activity.OrderedCollectionType,
		ID:         formatter.ActorCollection(username, name),
		TotalItems: size,
	}
	if size > 0 {
		coll.First = formatter.Format(URLParts{Username: username, Collection: name, Page: 1})
	}
	writeActivityJSON(w, coll)
}

// serveCollectionPage writes one OrderedCollectionPage.
func serveCollectionPage(w http.ResponseWriter, db storage.Collections, formatter *URLFormatter, username, name string, page int) {
	items, more, err := db.CollectionPage(username, name, page, collectionPageSize)
	if err != nil {
		telemetry.Error(err, "paging collection [%s] of [%s]", name, username)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	doc := activity.OrderedCollectionPage{
		Context:      activity.Context,
		Type:         activity.OrderedPageType,
		ID:           formatter.Format(URLParts{Username: username, Collection: name, Page: page}),
		PartOf:       formatter.ActorCollection(username, name),
		OrderedItems: items,
	}
	if more {
		doc.Next = formatter.Format(URLParts{Username: username, Collection: name, Page: page + 1})
	}
	if page > 1 {
		doc.Prev = formatter.Format(URLParts{Username: username, Collection: name, Page: page - 1})
	}
	writeActivityJSON(w, doc)
}

// ObjectPage serves a stored object by its local id, subject to the
// read rules. Objects the requester may not see are indistinguishable
// from objects that don't exist.
type ObjectPage struct {
	db         storage.Database
	auth       *Authenticator
	authorizer *Authorizer
	formatter  *URLFormatter
}

func (op *ObjectPage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.Request(r, "ObjectPage.ServeHTTP")
	telemetry.Increment("object_requests", 1)

	vars := mux.Vars(r)
	id := op.formatter.Format(URLParts{
		Username: vars["username"],
		Type:     vars["type"],
		ID:       vars["id"],
	})
	obj, err := op.db.ReadObject(id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			telemetry.Error(err, "reading object [%s]", id)
		}
		http.NotFound(w, r)
		return
	}

	if obj.TypeIs(activity.TombstoneType) {
		w.Header().Set("Content-Type", activity.ContentType)
		w.WriteHeader(http.StatusGone)
		w.Write(obj.JSON())
		return
	}

	// A signed GET identifies the requester; anonymous is fine too.
	actorID, err := op.auth.Authenticate(r, nil)
	if err != nil {
		actorID = ""
	}
	if op.authorizer.CanRead(actorID, obj) != AccessAllowed {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", activity.ContentType)
	w.Write(obj.WithoutPrivate().JSON())
}

func writeActivityJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", activity.ContentType)
	w.Write(b)
}
