package activity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Object is a single node in the ActivityStreams graph. Activities,
// actors, notes, and collections all travel in this shape; which fields
// are populated depends on the type. Unrecognized properties survive in
// the raw JSON the object was parsed from, we don't try to model all of
// JSON-LD here.
type Object struct {
	Context any        `json:"@context,omitempty"`
	ID      string     `json:"id,omitempty"`
	Type    StringList `json:"type,omitempty"`

	Name      string `json:"name,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Content   string `json:"content,omitempty"`
	Published string `json:"published,omitempty"`
	Updated   string `json:"updated,omitempty"`
	Deleted   string `json:"deleted,omitempty"`
	URL       any    `json:"url,omitempty"`

	Actor        any `json:"actor,omitempty"`
	Object       any `json:"object,omitempty"`
	Target       any `json:"target,omitempty"`
	AttributedTo any `json:"attributedTo,omitempty"`
	Owner        any `json:"owner,omitempty"`
	InReplyTo    any `json:"inReplyTo,omitempty"`

	To       StringList `json:"to,omitempty"`
	CC       StringList `json:"cc,omitempty"`
	BTo      StringList `json:"bto,omitempty"`
	BCC      StringList `json:"bcc,omitempty"`
	Audience StringList `json:"audience,omitempty"`

	Tag []Tag `json:"tag,omitempty"`

	// Collection fields
	TotalItems   int        `json:"totalItems,omitempty"`
	Items        StringList `json:"items,omitempty"`
	OrderedItems StringList `json:"orderedItems,omitempty"`
	First        any        `json:"first,omitempty"`
	Next         any        `json:"next,omitempty"`

	// Actor document fields
	PreferredUsername string     `json:"preferredUsername,omitempty"`
	Inbox             string     `json:"inbox,omitempty"`
	Outbox            string     `json:"outbox,omitempty"`
	Followers         string     `json:"followers,omitempty"`
	Following         string     `json:"following,omitempty"`
	Liked             string     `json:"liked,omitempty"`
	Endpoints         *Endpoints `json:"endpoints,omitempty"`
	PublicKey         *PublicKey `json:"publicKey,omitempty"`

	raw json.RawMessage
}

// Activity is an Object whose type is one of the activity types.
type Activity = Object

type Tag struct {
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
	Name string `json:"name,omitempty"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type PublicKey struct {
	ID           string `json:"id,omitempty"`
	Owner        string `json:"owner,omitempty"`
	PublicKeyPem string `json:"publicKeyPem,omitempty"`
}

// StringList is a JSON property that may arrive as a single string, a
// single embedded object, or an array of either. It always parses to
// the list of id strings.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	var single any
	if err := json.Unmarshal(b, &single); err != nil {
		return err
	}
	switch v := single.(type) {
	case nil:
		*l = nil
	case string:
		*l = StringList{v}
	case map[string]any:
		if id := ParseID(v); id != "" {
			*l = StringList{id}
		}
	case []any:
		out := make(StringList, 0, len(v))
		for _, item := range v {
			if id := ParseID(item); id != "" {
				out = append(out, id)
			}
		}
		*l = out
	default:
		return fmt.Errorf("cannot parse %T as a string list", v)
	}
	return nil
}

// MarshalJSON emits a single value as a bare string, the way federated
// servers conventionally write single-valued properties.
func (l StringList) MarshalJSON() ([]byte, error) {
	if len(l) == 1 {
		return json.Marshal(l[0])
	}
	return json.Marshal([]string(l))
}

// First returns the first value of a multi-valued property, or "".
func (l StringList) First() string {
	if len(l) == 0 {
		return ""
	}
	return l[0]
}

func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// ParseID extracts an id from a JSON-LD property value, which could be
// a plain string or an expansive map. A valid JSON-LD value could be
// arbitrarily complex; this covers what federated servers actually send.
func ParseID(v any) (val string) {
	switch t := v.(type) {
	case string:
		val = t
	case map[string]any:
		switch s := t["id"].(type) {
		case string:
			val = s
		case fmt.Stringer:
			val = s.String()
		}
	case *Object:
		if t != nil {
			val = t.ID
		}
	case Object:
		val = t.ID
	}
	return val
}

// FromJSON parses an object and remembers the raw bytes it came from.
func FromJSON(b []byte) (*Object, error) {
	var o Object
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, err
	}
	o.raw = append(json.RawMessage(nil), b...)
	return &o, nil
}

// JSON returns the raw bytes the object was parsed from, or marshals it.
func (o *Object) JSON() []byte {
	if o.raw != nil {
		return o.raw
	}
	b, err := json.Marshal(o)
	if err != nil {
		return nil
	}
	return b
}

func (o *Object) ActorID() string     { return ParseID(o.Actor) }
func (o *Object) ObjectID() string    { return ParseID(o.Object) }
func (o *Object) TargetID() string    { return ParseID(o.Target) }
func (o *Object) InReplyToID() string { return ParseID(o.InReplyTo) }

// OwnerID derives the owning actor: attributedTo, else actor, else owner.
func (o *Object) OwnerID() string {
	if id := ParseID(o.AttributedTo); id != "" {
		return id
	}
	if id := ParseID(o.Actor); id != "" {
		return id
	}
	return ParseID(o.Owner)
}

// TypeIs reports whether any of the object's types equals t.
func (o *Object) TypeIs(t string) bool {
	return o.Type.Contains(t)
}

// MainType is the first (usually only) type of the object.
func (o *Object) MainType() string {
	return o.Type.First()
}

func (o *Object) IsCollection() bool {
	return o.TypeIs(CollectionType) || o.TypeIs(OrderedCollectionType)
}

// Recipients returns the deduplicated public audience (to, cc,
// audience) or, when private is set, the private audience (bto, bcc).
func (o *Object) Recipients(private bool) []string {
	var lists []StringList
	if private {
		lists = []StringList{o.BTo, o.BCC}
	} else {
		lists = []StringList{o.To, o.CC, o.Audience}
	}
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, l := range lists {
		for _, id := range l {
			if id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// IsPublic reports whether the object is addressed to the Public collection.
func (o *Object) IsPublic() bool {
	return o.To.Contains(Public) || o.CC.Contains(Public) || o.Audience.Contains(Public)
}

// AddressedTo reports whether id appears anywhere in the audience.
func (o *Object) AddressedTo(id string) bool {
	return o.To.Contains(id) || o.CC.Contains(id) || o.Audience.Contains(id) ||
		o.BTo.Contains(id) || o.BCC.Contains(id)
}

// WithoutPrivate returns a copy with bto and bcc removed. The copy no
// longer carries raw bytes, so the private fields cannot leak through a
// stale serialization.
func (o *Object) WithoutPrivate() *Object {
	c := *o
	c.BTo = nil
	c.BCC = nil
	c.raw = nil
	return &c
}

// Mentions reports whether the object carries a Mention tag for id.
func (o *Object) Mentions(id string) bool {
	for _, t := range o.Tag {
		if t.Type == MentionType && t.Href == id {
			return true
		}
	}
	return false
}

// SharedInbox returns the actor's shared inbox, or "".
func (o *Object) SharedInbox() string {
	if o.Endpoints == nil {
		return ""
	}
	return o.Endpoints.SharedInbox
}

// Inner converts an inlined property value (the object of an activity,
// usually) into an Object. A bare string becomes an Object with only an
// id; a map is redecoded. Returns nil when there is nothing there.
func Inner(v any) *Object {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return &Object{ID: t}
	case *Object:
		return t
	case Object:
		return &t
	case map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		o, err := FromJSON(b)
		if err != nil {
			return nil
		}
		return o
	}
	return nil
}

func (o *Object) Timestamp() time.Time {
	if t, err := time.Parse(TimeFormat, o.Published); err == nil {
		return t
	}
	return time.Time{}
}
