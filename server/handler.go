package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"fedilace/server/activity"
	"fedilace/server/storage"
	"fedilace/server/telemetry"
)

// Handler is the per-type state machine that turns an activity into
// storage mutations, cache updates, and derived activities. Guard
// failures never surface to the sender; the activity is logged and
// dropped, and every side effect is idempotent against replays.
type Handler struct {
	db        storage.Database
	cache     *ObjectCache
	remote    RemoteClient
	auth      *Authorizer
	formatter *URLFormatter
	dist      *Distributor
}

func NewHandler(db storage.Database, cache *ObjectCache, remote RemoteClient, auth *Authorizer, formatter *URLFormatter, dist *Distributor) *Handler {
	return &Handler{
		db:        db,
		cache:     cache,
		remote:    remote,
		auth:      auth,
		formatter: formatter,
		dist:      dist,
	}
}

// HandleActivity dispatches an activity delivered to a bot's inbox.
func (h *Handler) HandleActivity(bot *Bot, act *activity.Object) {
	telemetry.Increment("activities_handled", 1)
	switch act.MainType() {
	case activity.CreateType:
		h.handleCreate(bot, act)
	case activity.UpdateType:
		h.handleUpdate(bot, act)
	case activity.DeleteType:
		h.handleDelete(bot, act)
	case activity.AddType:
		h.handleAddRemove(bot, act, true)
	case activity.RemoveType:
		h.handleAddRemove(bot, act, false)
	case activity.FollowType:
		h.handleFollow(bot, act)
	case activity.AcceptType:
		h.handleAccept(bot, act)
	case activity.RejectType:
		h.handleReject(bot, act)
	case activity.LikeType:
		h.handleLike(bot, act)
	case activity.AnnounceType:
		h.handleAnnounce(bot, act)
	case activity.BlockType:
		h.handleBlock(bot, act)
	case activity.FlagType:
		telemetry.Log("flag received from [%s] about [%s]", act.ActorID(), act.ObjectID())
	case activity.UndoType:
		h.handleUndo(bot, act)
	default:
		telemetry.Trace("ignoring unrecognized activity type [%s]", act.MainType())
	}
}

// doActivity publishes a derived activity: persist it, append it to the
// bot's outbox then inbox, then fan it out. In that order, so local
// readers see consistent state before the network does.
func (h *Handler) doActivity(bot *Bot, act *activity.Object) {
	if act.Context == nil {
		act.Context = activity.Context
	}
	if act.ID == "" {
		act.ID = h.formatter.MintObjectID(bot.Username, strings.ToLower(act.MainType()))
	}
	if act.Actor == nil {
		act.Actor = bot.ID()
	}
	if act.Published == "" {
		act.Published = time.Now().UTC().Format(activity.TimeFormat)
	}
	if err := h.db.CreateObject(act); err != nil {
		telemetry.Error(err, "persisting activity [%s]", act.ID)
		return
	}
	if err := h.db.AddToCollection(bot.Username, OutboxCollection, act.ID); err != nil {
		telemetry.Error(err, "appending [%s] to outbox", act.ID)
		return
	}
	if err := h.db.AddToCollection(bot.Username, InboxCollection, act.ID); err != nil {
		telemetry.Error(err, "appending [%s] to inbox", act.ID)
		return
	}
	h.dist.Distribute(act, bot.Username)
}

// ensureProps resolves a reference until the required properties are
// available: inline (when same-origin with the source activity), local
// storage, object cache, then a remote fetch. Nil means the reference
// could not be completed; callers abort rather than guess.
func (h *Handler) ensureProps(username string, ref any, sourceID string, required ...string) *activity.Object {
	obj := activity.Inner(ref)
	if obj == nil || obj.ID == "" {
		return nil
	}
	if sourceID != "" && SameOrigin(obj.ID, sourceID) && hasProps(obj, required) {
		return obj
	}
	if h.formatter.IsLocal(obj.ID) {
		stored, err := h.db.ReadObject(obj.ID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				telemetry.Error(err, "reading [%s]", obj.ID)
			}
			return nil
		}
		if hasProps(stored, required) {
			return stored
		}
		return nil
	}
	if cached := h.cache.Get(obj.ID); cached != nil && hasProps(cached, required) {
		return cached
	}
	ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
	defer cancel()
	fetched, err := h.remote.Get(ctx, obj.ID, username)
	if err != nil {
		telemetry.Warn("could not fetch [%s]: %s", obj.ID, err)
		return nil
	}
	h.cache.SaveOwned(fetched) // fetched directly, long freshness tier
	if hasProps(fetched, required) {
		return fetched
	}
	return nil
}

func hasProps(obj *activity.Object, required []string) bool {
	for _, name := range required {
		switch name {
		case "id":
			if obj.ID == "" {
				return false
			}
		case "type":
			if len(obj.Type) == 0 {
				return false
			}
		case "actor":
			if activity.ParseID(obj.Actor) == "" {
				return false
			}
		case "object":
			if activity.ParseID(obj.Object) == "" {
				return false
			}
		case "owner":
			if obj.OwnerID() == "" {
				return false
			}
		case "content":
			if obj.Content == "" {
				return false
			}
		}
	}
	return true
}

// cacheFromActivity mirrors an object carried by an activity. A
// same-origin object is authoritative for its server ("owned" tier);
// anything cross-origin is hearsay and expires sooner.
func (h *Handler) cacheFromActivity(act, obj *activity.Object) {
	if len(obj.Type) == 0 {
		// a bare reference isn't worth mirroring
		return
	}
	if SameOrigin(act.ID, obj.ID) {
		h.cache.SaveOwned(obj)
	} else {
		h.cache.SaveReceived(obj)
	}
}

// collectionSubject maps a collection URI onto the storage keying:
// local actor collections key by username, local object collections by
// the object id, anything else by the raw URI.
func (h *Handler) collectionSubject(collectionID string) (subject, name string) {
	if parts, ok := h.formatter.Unformat(collectionID); ok && parts.Collection != "" {
		if parts.Type != "" {
			object := h.formatter.Format(URLParts{Username: parts.Username, Type: parts.Type, ID: parts.ID})
			return object, parts.Collection
		}
		return parts.Username, parts.Collection
	}
	return collectionID, "items"
}

// objectCollectionID is the id of a named collection on a local object.
func (h *Handler) objectCollectionID(objectID, name string) string {
	parts, ok := h.formatter.Unformat(objectID)
	if !ok {
		return ""
	}
	parts.Collection = name
	parts.Page = 0
	return h.formatter.Format(parts)
}

func (h *Handler) handleCreate(bot *Bot, act *activity.Object) {
	actorID := act.ActorID()
	if actorID == "" {
		telemetry.Warn("create without an actor, dropping")
		return
	}
	obj := activity.Inner(act.Object)
	if obj == nil || obj.ID == "" {
		telemetry.Warn("create from [%s] without an object, dropping", actorID)
		return
	}
	h.cacheFromActivity(act, obj)

	if replyTo := obj.InReplyToID(); replyTo != "" && h.formatter.IsLocal(replyTo) {
		h.recordReply(bot, actorID, replyTo, obj)
	}
	if obj.Mentions(bot.ID()) && bot.OnMention != nil {
		bot.OnMention(bot, obj)
	}
}

// recordReply threads a reply under a local object, if the replier is
// allowed to see it and the reply isn't already recorded.
func (h *Handler) recordReply(bot *Bot, actorID, parentID string, reply *activity.Object) {
	parent, err := h.db.ReadObject(parentID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			telemetry.Error(err, "reading reply target [%s]", parentID)
		}
		return
	}
	if h.auth.CanRead(actorID, parent) != AccessAllowed {
		telemetry.Warn("[%s] replied to [%s] it cannot read, dropping", actorID, parentID)
		return
	}
	recorded, err := h.db.InCollection(parentID, RepliesCollection, reply.ID)
	if err != nil {
		telemetry.Error(err, "checking replies of [%s]", parentID)
		return
	}
	if recorded {
		return
	}
	if err := h.db.AddToCollection(parentID, RepliesCollection, reply.ID); err != nil {
		telemetry.Error(err, "recording reply [%s]", reply.ID)
		return
	}
	h.doActivity(bot, &activity.Object{
		Type:   activity.StringList{activity.AddType},
		Actor:  bot.ID(),
		Object: reply.ID,
		Target: h.objectCollectionID(parentID, RepliesCollection),
		To:     append(activity.StringList{}, parent.To...),
		CC:     append(activity.StringList{}, parent.CC...),
	})
}

func (h *Handler) handleUpdate(bot *Bot, act *activity.Object) {
	obj := activity.Inner(act.Object)
	if obj == nil || obj.ID == "" {
		return
	}
	h.cacheFromActivity(act, obj)
}

func (h *Handler) handleDelete(bot *Bot, act *activity.Object) {
	if objID := act.ObjectID(); objID != "" {
		h.cache.Invalidate(objID)
	}
}

func (h *Handler) handleAddRemove(bot *Bot, act *activity.Object, add bool) {
	obj := activity.Inner(act.Object)
	target := activity.Inner(act.Target)
	if obj == nil || obj.ID == "" || target == nil || target.ID == "" {
		telemetry.Warn("%s without an object and target, dropping", act.MainType())
		return
	}
	h.cacheFromActivity(act, obj)
	h.cacheFromActivity(act, target)

	subject, name := h.collectionSubject(target.ID)
	var err error
	if add {
		err = h.db.AddToCollection(subject, name, obj.ID)
	} else {
		err = h.db.RemoveFromCollection(subject, name, obj.ID)
	}
	if err != nil {
		telemetry.Error(err, "updating membership of [%s] in [%s]", obj.ID, target.ID)
	}
}

func (h *Handler) handleFollow(bot *Bot, act *activity.Object) {
	actorID := act.ActorID()
	if actorID == "" || act.ObjectID() != bot.ID() {
		telemetry.Warn("follow of [%s] landed at [%s], dropping", act.ObjectID(), bot.ID())
		return
	}
	if h.isBlocked(bot, actorID) {
		telemetry.Warn("follow from blocked [%s], dropping", actorID)
		return
	}
	following, err := h.db.InCollection(bot.Username, FollowersCollection, actorID)
	if err != nil {
		telemetry.Error(err, "checking followers of [%s]", bot.Username)
		return
	}
	if following {
		telemetry.Warn("[%s] already follows [%s], dropping", actorID, bot.Username)
		return
	}
	if err := h.db.AddToCollection(bot.Username, FollowersCollection, actorID); err != nil {
		telemetry.Error(err, "recording follower [%s]", actorID)
		return
	}
	h.doActivity(bot, &activity.Object{
		Type:   activity.StringList{activity.AddType},
		Actor:  bot.ID(),
		Object: actorID,
		Target: h.formatter.ActorCollection(bot.Username, FollowersCollection),
		To:     activity.StringList{activity.Public, actorID},
	})
	h.doActivity(bot, &activity.Object{
		Type:  activity.StringList{activity.AcceptType},
		Actor: bot.ID(),
		To:    activity.StringList{actorID},
		Object: &activity.Object{
			Type:   activity.StringList{activity.FollowType},
			ID:     act.ID,
			Actor:  actorID,
			Object: bot.ID(),
		},
	})
}

// acceptedFollow validates the Follow activity an Accept or Reject
// refers to and returns it along with the remote actor responding.
func (h *Handler) acceptedFollow(bot *Bot, act *activity.Object) (follow *activity.Object, actorID string, ok bool) {
	actorID = act.ActorID()
	followID := act.ObjectID()
	if actorID == "" || followID == "" {
		telemetry.Warn("%s without actor or object, dropping", act.MainType())
		return nil, "", false
	}
	if !h.formatter.IsLocal(followID) {
		telemetry.Warn("%s of non-local follow [%s], dropping", act.MainType(), followID)
		return nil, "", false
	}
	follow, err := h.db.ReadObject(followID)
	if err != nil {
		telemetry.Warn("%s of unknown follow [%s], dropping", act.MainType(), followID)
		return nil, "", false
	}
	pending, err := h.db.InCollection(bot.Username, PendingFollowingCollection, follow.ObjectID())
	if err != nil || !pending {
		telemetry.Warn("%s of follow [%s] that isn't pending, dropping", act.MainType(), followID)
		return nil, "", false
	}
	if h.isBlocked(bot, actorID) {
		telemetry.Warn("%s from blocked [%s], dropping", act.MainType(), actorID)
		return nil, "", false
	}
	if follow.ObjectID() != actorID {
		telemetry.Warn("%s actor [%s] doesn't match followed [%s], dropping", act.MainType(), actorID, follow.ObjectID())
		return nil, "", false
	}
	return follow, actorID, true
}

func (h *Handler) handleAccept(bot *Bot, act *activity.Object) {
	follow, actorID, ok := h.acceptedFollow(bot, act)
	if !ok {
		return
	}
	already, err := h.db.InCollection(bot.Username, FollowingCollection, actorID)
	if err != nil {
		telemetry.Error(err, "checking following of [%s]", bot.Username)
		return
	}
	if already {
		telemetry.Warn("accept from [%s] already followed, dropping", actorID)
		return
	}
	if err := h.db.AddToCollection(bot.Username, FollowingCollection, actorID); err != nil {
		telemetry.Error(err, "recording following [%s]", actorID)
		return
	}
	if err := h.db.RemoveFromCollection(bot.Username, PendingFollowingCollection, follow.ObjectID()); err != nil {
		telemetry.Error(err, "clearing pending follow of [%s]", actorID)
	}
	h.doActivity(bot, &activity.Object{
		Type:   activity.StringList{activity.AddType},
		Actor:  bot.ID(),
		Object: actorID,
		Target: h.formatter.ActorCollection(bot.Username, FollowingCollection),
		To:     activity.StringList{activity.Public},
	})
}

func (h *Handler) handleReject(bot *Bot, act *activity.Object) {
	follow, actorID, ok := h.acceptedFollow(bot, act)
	if !ok {
		return
	}
	if err := h.db.RemoveFromCollection(bot.Username, PendingFollowingCollection, follow.ObjectID()); err != nil {
		telemetry.Error(err, "clearing pending follow of [%s]", actorID)
	}
}

// likedObject runs the shared Like/Announce guards and returns the
// local object being reacted to.
func (h *Handler) likedObject(bot *Bot, act *activity.Object, idsName, actorsName string) *activity.Object {
	actorID := act.ActorID()
	objID := act.ObjectID()
	if actorID == "" || objID == "" {
		telemetry.Warn("%s without actor or object, dropping", act.MainType())
		return nil
	}
	if !h.formatter.IsLocal(objID) {
		telemetry.Warn("%s of non-local [%s], dropping", act.MainType(), objID)
		return nil
	}
	obj, err := h.db.ReadObject(objID)
	if err != nil {
		telemetry.Warn("%s of unknown [%s], dropping", act.MainType(), objID)
		return nil
	}
	if h.auth.CanRead(actorID, obj) != AccessAllowed {
		telemetry.Warn("%s of [%s] by [%s] who cannot read it, dropping", act.MainType(), objID, actorID)
		return nil
	}
	if obj.OwnerID() != bot.ID() {
		telemetry.Warn("%s of [%s] not owned by [%s], dropping", act.MainType(), objID, bot.Username)
		return nil
	}
	if recorded, err := h.db.InCollection(objID, idsName, act.ID); err != nil || recorded {
		if recorded {
			telemetry.Warn("%s [%s] already recorded, dropping", act.MainType(), act.ID)
		}
		return nil
	}
	if recorded, err := h.db.InCollection(objID, actorsName, actorID); err != nil || recorded {
		if recorded {
			telemetry.Warn("[%s] already reacted to [%s], dropping", actorID, objID)
		}
		return nil
	}
	return obj
}

func (h *Handler) recordReaction(bot *Bot, act, obj *activity.Object, idsName, actorsName string) {
	actorID := act.ActorID()
	if err := h.db.AddToCollection(obj.ID, idsName, act.ID); err != nil {
		telemetry.Error(err, "recording %s [%s]", act.MainType(), act.ID)
		return
	}
	if err := h.db.AddToCollection(obj.ID, actorsName, actorID); err != nil {
		telemetry.Error(err, "recording %s actor [%s]", act.MainType(), actorID)
		return
	}
	to := append(append(activity.StringList{}, obj.To...), actorID)
	h.doActivity(bot, &activity.Object{
		Type:   activity.StringList{activity.AddType},
		Actor:  bot.ID(),
		Object: act.ID,
		Target: h.objectCollectionID(obj.ID, idsName),
		To:     to,
		CC:     append(activity.StringList{}, obj.CC...),
	})
}

func (h *Handler) handleLike(bot *Bot, act *activity.Object) {
	if obj := h.likedObject(bot, act, LikesCollection, LikersCollection); obj != nil {
		h.recordReaction(bot, act, obj, LikesCollection, LikersCollection)
	}
}

func (h *Handler) handleAnnounce(bot *Bot, act *activity.Object) {
	if obj := h.likedObject(bot, act, SharesCollection, SharersCollection); obj != nil {
		h.recordReaction(bot, act, obj, SharesCollection, SharersCollection)
	}
}

// handleBlock severs every relationship with the blocking actor. A
// block is never distributed anywhere.
func (h *Handler) handleBlock(bot *Bot, act *activity.Object) {
	actorID := act.ActorID()
	if actorID == "" || act.ObjectID() != bot.ID() {
		telemetry.Warn("block of [%s] landed at [%s], dropping", act.ObjectID(), bot.ID())
		return
	}
	for _, name := range []string{
		FollowersCollection,
		FollowingCollection,
		PendingFollowingCollection,
		PendingFollowersCollection,
	} {
		if err := h.db.RemoveFromCollection(bot.Username, name, actorID); err != nil {
			telemetry.Error(err, "severing %s with [%s]", name, actorID)
		}
	}
}

func (h *Handler) handleUndo(bot *Bot, act *activity.Object) {
	undone := h.ensureProps(bot.Username, act.Object, act.ID, "id", "type")
	if undone == nil {
		telemetry.Warn("undo of unresolvable [%s], dropping", act.ObjectID())
		return
	}
	if !SameOrigin(undone.ID, act.ID) {
		// a cross-origin reference must be re-resolved so the actor
		// comes from the authoritative copy, not the sender's claim
		undone = h.ensureProps(bot.Username, undone.ID, "", "id", "type", "actor")
		if undone == nil {
			telemetry.Warn("undo of unresolvable cross-origin activity, dropping")
			return
		}
		if undone.ActorID() != act.ActorID() {
			telemetry.Warn("undo by [%s] of activity by [%s], dropping", act.ActorID(), undone.ActorID())
			return
		}
	}

	switch undone.MainType() {
	case activity.LikeType:
		h.undoReaction(undone, LikesCollection, LikersCollection)
	case activity.AnnounceType:
		h.undoReaction(undone, SharesCollection, SharersCollection)
	case activity.BlockType:
		// nothing was recorded for the block; just check consistency
		if undone.ObjectID() != bot.ID() {
			telemetry.Warn("undo of a block on [%s] landed at [%s]", undone.ObjectID(), bot.ID())
		}
	case activity.FollowType:
		h.undoFollow(bot, act, undone)
	default:
		telemetry.Trace("ignoring undo of [%s] type [%s]", undone.ID, undone.MainType())
	}
}

func (h *Handler) undoReaction(undone *activity.Object, idsName, actorsName string) {
	objID := undone.ObjectID()
	if objID == "" || !h.formatter.IsLocal(objID) {
		telemetry.Warn("undo %s of non-local [%s], dropping", undone.MainType(), objID)
		return
	}
	if err := h.db.RemoveFromCollection(objID, idsName, undone.ID); err != nil {
		telemetry.Error(err, "clearing %s [%s]", undone.MainType(), undone.ID)
	}
	if err := h.db.RemoveFromCollection(objID, actorsName, undone.ActorID()); err != nil {
		telemetry.Error(err, "clearing %s actor [%s]", undone.MainType(), undone.ActorID())
	}
}

func (h *Handler) undoFollow(bot *Bot, act, undone *activity.Object) {
	actorID := act.ActorID()
	follower, err := h.db.InCollection(bot.Username, FollowersCollection, actorID)
	if err != nil {
		telemetry.Error(err, "checking followers of [%s]", bot.Username)
		return
	}
	if !follower {
		telemetry.Warn("undo follow from [%s] who isn't a follower, dropping", actorID)
		return
	}
	if err := h.db.RemoveFromCollection(bot.Username, FollowersCollection, actorID); err != nil {
		telemetry.Error(err, "removing follower [%s]", actorID)
	}
	if err := h.db.RemoveFromCollection(bot.Username, PendingFollowersCollection, actorID); err != nil {
		telemetry.Error(err, "removing pending follower [%s]", actorID)
	}
}

func (h *Handler) isBlocked(bot *Bot, actorID string) bool {
	blocked, err := h.db.InCollection(bot.Username, BlockedCollection, actorID)
	if err != nil {
		telemetry.Error(err, "checking block list of [%s]", bot.Username)
		return true
	}
	return blocked
}
