package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/karlseguin/ccache/v3"

	"fedilace/server/activity"
	"fedilace/server/storage"
	"fedilace/server/telemetry"
)

const (
	deliveryConcurrency = 32
	maxDeliveryAttempts = 16
	defaultRetryBase    = time.Second
	inboxCacheSize      = 1_000_000
	inboxCacheTTL       = 24 * 365 * 100 * time.Hour // effectively forever
	maxExpansionDepth   = 3
	attemptTimeout      = 30 * time.Second
)

// LocalDeliverFunc hands an activity to a locally hosted actor without
// touching the network.
type LocalDeliverFunc func(username string, act *activity.Object)

// Distributor expands an activity's audience into concrete delivery
// targets and delivers with bounded concurrency and retry. Distribute
// returns once everything is scheduled; OnIdle is the only way to
// observe completion.
type Distributor struct {
	remote     RemoteClient
	db         storage.Collections
	formatter  *URLFormatter
	localNames func() []string
	deliver    LocalDeliverFunc

	// resolved inbox mirrors, keyed by actor id; entries are immutable
	// once cached, rotation is not chased
	sharedInboxes *ccache.Cache[string]
	directInboxes *ccache.Cache[string]

	slots             chan struct{}
	pendingDeliveries atomic.Int64
	pendingRetries    atomic.Int64

	retryBase time.Duration
	attempts  int
}

func NewDistributor(remote RemoteClient, db storage.Collections, formatter *URLFormatter, localNames func() []string, deliver LocalDeliverFunc) *Distributor {
	return &Distributor{
		remote:        remote,
		db:            db,
		formatter:     formatter,
		localNames:    localNames,
		deliver:       deliver,
		sharedInboxes: ccache.New(ccache.Configure[string]().MaxSize(inboxCacheSize)),
		directInboxes: ccache.New(ccache.Configure[string]().MaxSize(inboxCacheSize)),
		slots:         make(chan struct{}, deliveryConcurrency),
		retryBase:     defaultRetryBase,
		attempts:      maxDeliveryAttempts,
	}
}

// Distribute schedules delivery of an activity on behalf of a local
// actor. The public (to/cc/audience) and private (bto/bcc) audiences
// resolve separately; bto and bcc are stripped from the transmitted
// body once, before any delivery happens.
func (d *Distributor) Distribute(act *activity.Object, username string) {
	stripped := act.WithoutPrivate()
	body, err := json.Marshal(stripped)
	if err != nil {
		telemetry.Error(err, "marshaling activity [%s] for delivery", act.ID)
		return
	}
	for _, private := range []bool{false, true} {
		recipients := act.Recipients(private)
		if len(recipients) == 0 {
			continue
		}
		f := &fanout{
			d:          d,
			obj:        stripped,
			body:       body,
			username:   username,
			activityID: act.ID,
			delivered:  make(map[string]bool),
		}
		for _, recipient := range recipients {
			f.spawnResolve(recipient, 0)
		}
	}
}

// OnIdle blocks until every scheduled delivery and retry has finished.
// The retry queue drains first since firing retries enqueues fresh
// deliveries, and delivering can schedule yet more retries.
func (d *Distributor) OnIdle() {
	for {
		for d.pendingRetries.Load() > 0 {
			time.Sleep(5 * time.Millisecond)
		}
		for d.pendingDeliveries.Load() > 0 {
			time.Sleep(5 * time.Millisecond)
		}
		if d.pendingRetries.Load() == 0 && d.pendingDeliveries.Load() == 0 {
			return
		}
	}
}

// spawn runs fn on the bounded worker pool without blocking the caller.
func (d *Distributor) spawn(fn func()) {
	d.pendingDeliveries.Add(1)
	go func() {
		d.slots <- struct{}{}
		defer func() {
			<-d.slots
			d.pendingDeliveries.Add(-1)
		}()
		fn()
	}()
}

// fanout tracks one resolution pass of one activity. A resolved target
// is delivered to at most once per pass.
type fanout struct {
	d          *Distributor
	obj        *activity.Object
	body       []byte
	username   string
	activityID string

	mu        sync.Mutex
	delivered map[string]bool
}

// once reports whether target was already claimed in this pass.
func (f *fanout) once(target string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delivered[target] {
		return false
	}
	f.delivered[target] = true
	return true
}

func (f *fanout) spawnResolve(recipient string, depth int) {
	f.d.spawn(func() {
		f.resolve(recipient, depth)
	})
}

func (f *fanout) resolve(recipient string, depth int) {
	if depth > maxExpansionDepth {
		telemetry.Warn("recipient collection [%s] nested too deep, skipping", recipient)
		return
	}

	if recipient == activity.Public {
		// Public fans out to every locally hosted actor; nothing is
		// posted anywhere for it.
		for _, name := range f.d.localNames() {
			f.deliverLocal(name)
		}
		return
	}

	if f.d.formatter.IsLocal(recipient) {
		f.resolveLocal(recipient, depth)
		return
	}
	f.resolveRemote(recipient, depth)
}

func (f *fanout) resolveLocal(recipient string, depth int) {
	parts, ok := f.d.formatter.Unformat(recipient)
	if !ok {
		telemetry.Warn("local recipient [%s] doesn't match any id shape", recipient)
		return
	}
	switch {
	case parts.Type == "" && parts.Collection == "":
		f.deliverLocal(parts.Username)
	case parts.Collection == FollowersCollection || parts.Collection == FollowingCollection:
		err := f.d.db.ForEachInCollection(parts.Username, parts.Collection, func(member string) error {
			f.spawnResolve(member, depth+1)
			return nil
		})
		if err != nil {
			telemetry.Error(err, "expanding local %s of [%s]", parts.Collection, parts.Username)
		}
	default:
		telemetry.Warn("local recipient [%s] is not deliverable", recipient)
	}
}

func (f *fanout) resolveRemote(recipient string, depth int) {
	if inbox, ok := f.d.cachedInbox(recipient); ok {
		f.deliverRemote(inbox)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
	defer cancel()
	obj, err := f.d.remote.Get(ctx, recipient, f.username)
	if err != nil {
		telemetry.Error(err, "resolving remote recipient [%s]", recipient)
		return
	}

	if obj.IsCollection() {
		// the common case is a remote followers collection
		err := f.d.remote.ForEachItem(ctx, recipient, f.username, func(member string) error {
			f.spawnResolve(member, depth+1)
			return nil
		})
		if err != nil {
			telemetry.Error(err, "expanding remote collection [%s]", recipient)
		}
		return
	}

	inbox := f.d.rememberInbox(recipient, obj)
	if inbox == "" {
		telemetry.Warn("remote actor [%s] has no inbox", recipient)
		return
	}
	f.deliverRemote(inbox)
}

// cachedInbox prefers the shared inbox mirror over the direct one.
func (d *Distributor) cachedInbox(actorID string) (string, bool) {
	if item := d.sharedInboxes.Get(actorID); item != nil && !item.Expired() {
		return item.Value(), true
	}
	if item := d.directInboxes.Get(actorID); item != nil && !item.Expired() {
		return item.Value(), true
	}
	return "", false
}

func (d *Distributor) rememberInbox(actorID string, actor *activity.Object) string {
	if shared := actor.SharedInbox(); shared != "" {
		d.sharedInboxes.Set(actorID, shared, inboxCacheTTL)
		return shared
	}
	if actor.Inbox != "" {
		d.directInboxes.Set(actorID, actor.Inbox, inboxCacheTTL)
	}
	return actor.Inbox
}

func (f *fanout) deliverLocal(username string) {
	if !f.once("local:" + username) {
		return
	}
	f.d.spawn(func() {
		f.d.deliver(username, f.obj)
	})
}

func (f *fanout) deliverRemote(inbox string) {
	if !f.once(inbox) {
		return
	}
	task := &delivery{
		id:       uuid.NewString(),
		inbox:    inbox,
		body:     f.body,
		username: f.username,
		attempt:  1,
	}
	f.d.spawn(func() {
		f.d.attemptDelivery(task)
	})
}

// delivery is one POST to one inbox, with an attempt counter carried
// across retries.
type delivery struct {
	id       string // correlation id for logs
	inbox    string
	body     []byte
	username string
	attempt  int
}

func (d *Distributor) attemptDelivery(t *delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
	defer cancel()

	err := d.remote.Post(ctx, t.inbox, t.body, t.username)
	if err == nil {
		telemetry.Trace("delivery %s to [%s] succeeded on attempt %d", t.id, t.inbox, t.attempt)
		telemetry.Increment("deliveries", 1)
		return
	}

	var status *StatusError
	if !errors.As(err, &status) {
		// no status at all: the transport failed, not the server
		telemetry.Error(err, "delivery %s to [%s] failed in transport", t.id, t.inbox)
		return
	}
	switch {
	case status.Code >= 500:
		d.scheduleRetry(t)
	case status.Code >= 400:
		telemetry.Error(err, "delivery %s to [%s] rejected", t.id, t.inbox)
	default:
		telemetry.Error(err, "delivery %s to [%s] got an unexpected redirect", t.id, t.inbox)
	}
}

func (d *Distributor) scheduleRetry(t *delivery) {
	if t.attempt >= d.attempts {
		telemetry.Error(&StatusError{Code: 500}, "delivery %s to [%s] gave up after %d attempts", t.id, t.inbox, t.attempt)
		telemetry.Increment("deliveries_abandoned", 1)
		return
	}
	next := &delivery{
		id:       t.id,
		inbox:    t.inbox,
		body:     t.body,
		username: t.username,
		attempt:  t.attempt + 1,
	}
	delay := d.backoffDelay(t.attempt)
	telemetry.Trace("delivery %s to [%s] retrying in %s (attempt %d)", t.id, t.inbox, delay, next.attempt)

	// the retry queue is unbounded on purpose, a backlog of slow 5xx
	// retries must never block fresh fan-out on the worker pool
	d.pendingRetries.Add(1)
	time.AfterFunc(delay, func() {
		d.spawn(func() {
			d.attemptDelivery(next)
		})
		d.pendingRetries.Add(-1)
	})
}

// backoffDelay is capped exponential backoff with jitter:
// base × 2^(attempt−1) × (0.5 + uniform_random(0,1)).
func (d *Distributor) backoffDelay(attempt int) time.Duration {
	factor := math.Pow(2, float64(attempt-1)) * (0.5 + rand.Float64())
	return time.Duration(float64(d.retryBase) * factor)
}
