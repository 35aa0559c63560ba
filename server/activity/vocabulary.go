package activity

// ActivityPub and ActivityStreams vocabulary

const (
	Context     = "https://www.w3.org/ns/activitystreams"
	ContentType = `application/activity+json; profile="https://www.w3.org/ns/activitystreams"`

	// Public is the special collection addressing every actor everywhere.
	// Activities addressed to it fan out to local actors only; there is
	// no inbox to POST to.
	Public = "https://www.w3.org/ns/activitystreams#Public"
)

// Object types
const (
	NoteType              = "Note"
	PersonType            = "Person"
	ServiceType           = "Service"
	TombstoneType         = "Tombstone"
	MentionType           = "Mention"
	CollectionType        = "Collection"
	OrderedCollectionType = "OrderedCollection"
	CollectionPageType    = "CollectionPage"
	OrderedPageType       = "OrderedCollectionPage"
)

// Activity types the handler dispatches on
const (
	CreateType   = "Create"
	UpdateType   = "Update"
	DeleteType   = "Delete"
	AddType      = "Add"
	RemoveType   = "Remove"
	FollowType   = "Follow"
	AcceptType   = "Accept"
	RejectType   = "Reject"
	LikeType     = "Like"
	AnnounceType = "Announce"
	BlockType    = "Block"
	FlagType     = "Flag"
	UndoType     = "Undo"
)

const (
	// TimeFormat is the ActivityPub timestamp format string
	TimeFormat = "2006-01-02T15:04:05Z"
)
