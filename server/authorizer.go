package server

import (
	"net/url"

	"fedilace/server/activity"
	"fedilace/server/storage"
	"fedilace/server/telemetry"
)

// Access is the three-valued outcome of a read-authorization check.
// Indeterminate is distinct from Denied: it means the answer cannot be
// established locally, and callers must not coerce it to a denial.
type Access int

const (
	AccessDenied Access = iota
	AccessAllowed
	AccessIndeterminate
)

func (a Access) String() string {
	switch a {
	case AccessAllowed:
		return "allowed"
	case AccessIndeterminate:
		return "indeterminate"
	}
	return "denied"
}

// Authorizer decides whether a (possibly anonymous) actor may read an
// object.
type Authorizer struct {
	formatter *URLFormatter
	db        storage.Collections
}

func NewAuthorizer(formatter *URLFormatter, db storage.Collections) *Authorizer {
	return &Authorizer{formatter: formatter, db: db}
}

// SameOrigin reports strict equality of scheme, host, and port.
func SameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Scheme == ub.Scheme && ua.Hostname() == ub.Hostname() && ua.Port() == ub.Port()
}

// IsOwner reports whether actorID owns the object.
func (a *Authorizer) IsOwner(actorID string, obj *activity.Object) bool {
	return actorID != "" && obj.OwnerID() == actorID
}

// CanRead decides read access for actorID (empty = anonymous) on obj.
func (a *Authorizer) CanRead(actorID string, obj *activity.Object) Access {
	if a.formatter.IsLocal(obj.ID) {
		return a.canReadLocal(actorID, obj)
	}
	return a.canReadRemote(actorID, obj)
}

func (a *Authorizer) canReadLocal(actorID string, obj *activity.Object) Access {
	if a.IsOwner(actorID, obj) {
		return AccessAllowed
	}
	if actorID == "" {
		if obj.IsPublic() {
			return AccessAllowed
		}
		return AccessDenied
	}

	owner := obj.OwnerID()
	parts, ok := a.formatter.Unformat(owner)
	if !ok || parts.Username == "" {
		telemetry.Warn("local object [%s] has no resolvable owner [%s]", obj.ID, owner)
		return AccessDenied
	}

	// a block overrides any addressing
	blocked, err := a.db.InCollection(parts.Username, BlockedCollection, actorID)
	if err != nil {
		telemetry.Error(err, "checking block list of [%s]", parts.Username)
		return AccessDenied
	}
	if blocked {
		return AccessDenied
	}

	if obj.AddressedTo(actorID) || obj.IsPublic() {
		return AccessAllowed
	}

	followersID := a.formatter.ActorCollection(parts.Username, FollowersCollection)
	if obj.AddressedTo(followersID) {
		follower, err := a.db.InCollection(parts.Username, FollowersCollection, actorID)
		if err != nil {
			telemetry.Error(err, "checking followers of [%s]", parts.Username)
			return AccessDenied
		}
		if follower {
			return AccessAllowed
		}
	}
	return AccessDenied
}

// canReadRemote is best-effort: the full audience of a remote object
// cannot always be resolved from here.
func (a *Authorizer) canReadRemote(actorID string, obj *activity.Object) Access {
	if actorID == "" {
		if obj.IsPublic() {
			return AccessAllowed
		}
		return AccessDenied
	}
	if obj.AddressedTo(actorID) || obj.IsPublic() {
		return AccessAllowed
	}
	// remaining recipients could be collections whose membership we
	// cannot verify locally; that is not the same thing as a denial
	if len(obj.Recipients(false)) > 0 || len(obj.Recipients(true)) > 0 {
		return AccessIndeterminate
	}
	return AccessDenied
}
