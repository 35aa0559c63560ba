package server

import (
	"time"

	"fedilace/server/activity"
	"fedilace/server/telemetry"
)

// Bot is a locally hosted actor. Its outbound actions enter the same
// doActivity path inbound processing uses, so everything a bot does is
// persisted, collected, and fanned out identically.
type Bot struct {
	Username    string
	DisplayName string

	// OnMention fires when a Create mentions this bot.
	OnMention func(b *Bot, obj *activity.Object)

	handler *Handler
}

// ID is the bot's actor id.
func (b *Bot) ID() string {
	return b.handler.formatter.Actor(b.Username)
}

// PostNote publishes a new note from the bot and returns its id.
func (b *Bot) PostNote(content string, to, cc []string) string {
	h := b.handler
	note := &activity.Object{
		Context:      activity.Context,
		ID:           h.formatter.MintObjectID(b.Username, "note"),
		Type:         activity.StringList{activity.NoteType},
		AttributedTo: b.ID(),
		Content:      content,
		Published:    time.Now().UTC().Format(activity.TimeFormat),
		To:           activity.StringList(to),
		CC:           activity.StringList(cc),
	}
	if err := h.db.CreateObject(note); err != nil {
		telemetry.Error(err, "storing note for [%s]", b.Username)
		return ""
	}
	h.doActivity(b, &activity.Object{
		Type:   activity.StringList{activity.CreateType},
		Actor:  b.ID(),
		Object: note,
		To:     activity.StringList(to),
		CC:     activity.StringList(cc),
	})
	return note.ID
}

// DeleteNote withdraws one of the bot's notes. The stored object
// becomes a Tombstone and a Delete goes out to the note's original
// audience.
func (b *Bot) DeleteNote(noteID string) {
	h := b.handler
	note, err := h.db.ReadObject(noteID)
	if err != nil {
		telemetry.Error(err, "loading note [%s] to delete", noteID)
		return
	}
	if note.AttributedTo != b.ID() {
		telemetry.Warn("[%s] cannot delete note [%s] by [%s]", b.Username, noteID, note.AttributedTo)
		return
	}
	if err := h.db.TombstoneObject(noteID, time.Now().UTC()); err != nil {
		telemetry.Error(err, "tombstoning note [%s]", noteID)
		return
	}
	h.cache.Invalidate(noteID)
	h.doActivity(b, &activity.Object{
		Type:   activity.StringList{activity.DeleteType},
		Actor:  b.ID(),
		Object: noteID,
		To:     note.To,
		CC:     note.CC,
	})
}

// Follow asks to follow a remote actor. The target is recorded as
// pending until their Accept arrives.
func (b *Bot) Follow(actorID string) {
	h := b.handler
	if err := h.db.AddToCollection(b.Username, PendingFollowingCollection, actorID); err != nil {
		telemetry.Error(err, "recording pending follow of [%s]", actorID)
		return
	}
	h.doActivity(b, &activity.Object{
		Type:   activity.StringList{activity.FollowType},
		Actor:  b.ID(),
		Object: actorID,
		To:     activity.StringList{actorID},
	})
}

// Like sends a Like of an object to its owner.
func (b *Bot) Like(objectID, ownerID string) {
	h := b.handler
	h.doActivity(b, &activity.Object{
		Type:   activity.StringList{activity.LikeType},
		Actor:  b.ID(),
		Object: objectID,
		To:     activity.StringList{ownerID},
	})
	if err := h.db.AddToCollection(b.Username, LikedCollection, objectID); err != nil {
		telemetry.Error(err, "recording liked [%s]", objectID)
	}
}

// Announce boosts an object to the bot's followers.
func (b *Bot) Announce(objectID, ownerID string) {
	h := b.handler
	h.doActivity(b, &activity.Object{
		Type:   activity.StringList{activity.AnnounceType},
		Actor:  b.ID(),
		Object: objectID,
		To:     activity.StringList{ownerID},
		CC:     activity.StringList{activity.Public, h.formatter.ActorCollection(b.Username, FollowersCollection)},
	})
}

// Block severs every relationship with an actor and stops accepting
// their follows. Blocks are local state, never distributed.
func (b *Bot) Block(actorID string) {
	h := b.handler
	if err := h.db.AddToCollection(b.Username, BlockedCollection, actorID); err != nil {
		telemetry.Error(err, "recording block of [%s]", actorID)
		return
	}
	for _, name := range []string{
		FollowersCollection,
		FollowingCollection,
		PendingFollowingCollection,
		PendingFollowersCollection,
	} {
		if err := h.db.RemoveFromCollection(b.Username, name, actorID); err != nil {
			telemetry.Error(err, "severing %s with [%s]", name, actorID)
		}
	}
}

// Undo retracts one of the bot's earlier activities by id. The Undo is
// addressed the same way the original was, so the same inboxes hear
// about the retraction.
func (b *Bot) Undo(activityID string) {
	h := b.handler
	prior, err := h.db.ReadObject(activityID)
	if err != nil {
		telemetry.Error(err, "loading activity [%s] to undo", activityID)
		return
	}
	if prior.ActorID() != b.ID() {
		telemetry.Warn("[%s] cannot undo activity [%s] by [%s]", b.Username, activityID, prior.ActorID())
		return
	}
	if prior.TypeIs(activity.LikeType) {
		if err := h.db.RemoveFromCollection(b.Username, LikedCollection, prior.ObjectID()); err != nil {
			telemetry.Error(err, "removing liked [%s]", prior.ObjectID())
		}
	}
	h.doActivity(b, &activity.Object{
		Type:   activity.StringList{activity.UndoType},
		Actor:  b.ID(),
		Object: prior,
		To:     prior.To,
		CC:     prior.CC,
	})
}

// Send publishes an arbitrary activity from the bot.
func (b *Bot) Send(act *activity.Object) {
	b.handler.doActivity(b, act)
}
