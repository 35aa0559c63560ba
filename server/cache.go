package server

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"fedilace/server/activity"
)

// Object mirror TTLs. Objects we fetched ourselves (or that our own
// actors produced) stay fresh much longer than copies pushed at us,
// which any remote server could update behind our back.
const (
	ownedObjectTTL    = 24 * time.Hour
	receivedObjectTTL = 10 * time.Minute
	cacheSweepPeriod  = 15 * time.Minute
)

// ObjectCache holds possibly stale local mirrors of remote objects so
// repeated handler lookups don't refetch over the network.
type ObjectCache struct {
	entries *gocache.Cache
}

func NewObjectCache() *ObjectCache {
	return &ObjectCache{
		entries: gocache.New(receivedObjectTTL, cacheSweepPeriod),
	}
}

// SaveOwned caches an object we fetched directly or produced locally.
func (c *ObjectCache) SaveOwned(obj *activity.Object) {
	if obj != nil && obj.ID != "" {
		c.entries.Set(obj.ID, obj, ownedObjectTTL)
	}
}

// SaveReceived caches an object a remote server pushed at us.
func (c *ObjectCache) SaveReceived(obj *activity.Object) {
	if obj != nil && obj.ID != "" {
		c.entries.Set(obj.ID, obj, receivedObjectTTL)
	}
}

func (c *ObjectCache) Get(id string) *activity.Object {
	if v, ok := c.entries.Get(id); ok {
		if obj, ok := v.(*activity.Object); ok {
			return obj
		}
	}
	return nil
}

func (c *ObjectCache) Invalidate(id string) {
	c.entries.Delete(id)
}
