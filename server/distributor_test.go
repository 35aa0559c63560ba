package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"fedilace/server/activity"
)

type mockRemote struct {
	mock.Mock

	mu     sync.Mutex
	bodies [][]byte
}

func (m *mockRemote) Get(ctx context.Context, id, username string) (*activity.Object, error) {
	args := m.Called(id, username)
	obj, _ := args.Get(0).(*activity.Object)
	return obj, args.Error(1)
}

func (m *mockRemote) Post(ctx context.Context, inboxURL string, body []byte, username string) error {
	m.mu.Lock()
	m.bodies = append(m.bodies, body)
	m.mu.Unlock()
	args := m.Called(inboxURL, username)
	return args.Error(0)
}

func (m *mockRemote) GetKey(ctx context.Context, keyID string) (string, error) {
	args := m.Called(keyID)
	return args.String(0), args.Error(1)
}

func (m *mockRemote) ForEachItem(ctx context.Context, collectionID, username string, fn func(id string) error) error {
	args := m.Called(collectionID, username)
	if ids, ok := args.Get(0).([]string); ok {
		for _, id := range ids {
			if err := fn(id); err != nil {
				return err
			}
		}
	}
	return args.Error(1)
}

// localRecorder collects local deliveries for assertions.
type localRecorder struct {
	mu    sync.Mutex
	names []string
}

func (lr *localRecorder) deliver(username string, act *activity.Object) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.names = append(lr.names, username)
}

func remoteActor(id, inbox, shared string) *activity.Object {
	actor := &activity.Object{
		ID:    id,
		Type:  activity.StringList{activity.PersonType},
		Inbox: inbox,
	}
	if shared != "" {
		actor.Endpoints = &activity.Endpoints{SharedInbox: shared}
	}
	return actor
}

func testDistributor(t *testing.T, remote RemoteClient, lr *localRecorder, names ...string) *Distributor {
	t.Helper()
	d := NewDistributor(remote, testDatabase(t), testFormatter(t), func() []string { return names }, lr.deliver)
	d.retryBase = time.Millisecond
	return d
}

func TestDistribute_PublicIsLocalOnly(t *testing.T) {
	remote := &mockRemote{}
	lr := &localRecorder{}
	d := testDistributor(t, remote, lr, "bot1", "bot2")

	act := &activity.Object{
		ID:    "https://local.example/user/bot1/create/x1",
		Type:  activity.StringList{activity.CreateType},
		Actor: "https://local.example/user/bot1",
		To:    activity.StringList{activity.Public},
	}
	d.Distribute(act, "bot1")
	d.OnIdle()

	// nothing is ever posted to the Public pseudo-collection
	remote.AssertNotCalled(t, "Post", mock.Anything, mock.Anything)
	remote.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	assert.ElementsMatch(t, []string{"bot1", "bot2"}, lr.names)
}

func TestDistribute_SharedInboxDedupe(t *testing.T) {
	const shared = "https://remote.example/inbox"
	remote := &mockRemote{}
	remote.On("Get", "https://remote.example/user/a1", "bot1").
		Return(remoteActor("https://remote.example/user/a1", "https://remote.example/user/a1/inbox", shared), nil).Once()
	remote.On("Get", "https://remote.example/user/a2", "bot1").
		Return(remoteActor("https://remote.example/user/a2", "https://remote.example/user/a2/inbox", shared), nil).Once()
	remote.On("Get", "https://remote.example/user/a3", "bot1").
		Return(remoteActor("https://remote.example/user/a3", "https://remote.example/user/a3/inbox", shared), nil).Once()
	remote.On("Post", shared, "bot1").Return(nil)

	lr := &localRecorder{}
	d := testDistributor(t, remote, lr, "bot1")

	act := &activity.Object{
		ID:    "https://local.example/user/bot1/create/x2",
		Type:  activity.StringList{activity.CreateType},
		Actor: "https://local.example/user/bot1",
		To: activity.StringList{
			"https://remote.example/user/a1",
			"https://remote.example/user/a2",
			"https://remote.example/user/a3",
		},
	}
	d.Distribute(act, "bot1")
	d.OnIdle()

	// three recipients behind one shared inbox get one POST
	remote.AssertNumberOfCalls(t, "Post", 1)

	// a second distribution resolves every inbox from cache
	act2 := &activity.Object{
		ID:    "https://local.example/user/bot1/create/x3",
		Type:  activity.StringList{activity.CreateType},
		Actor: "https://local.example/user/bot1",
		To:    act.To,
	}
	d.Distribute(act2, "bot1")
	d.OnIdle()

	remote.AssertNumberOfCalls(t, "Get", 3)
	remote.AssertNumberOfCalls(t, "Post", 2)
}

func TestDistribute_StripsPrivateAudience(t *testing.T) {
	remote := &mockRemote{}
	remote.On("Get", mock.Anything, "bot1").Return(
		remoteActor("https://remote.example/user/a1", "https://remote.example/user/a1/inbox", ""), nil)
	remote.On("Post", mock.Anything, "bot1").Return(nil)

	lr := &localRecorder{}
	d := testDistributor(t, remote, lr, "bot1")

	act := &activity.Object{
		ID:    "https://local.example/user/bot1/create/x4",
		Type:  activity.StringList{activity.CreateType},
		Actor: "https://local.example/user/bot1",
		// a1 appears twice in the public pass, once in the private pass
		To:  activity.StringList{"https://remote.example/user/a1"},
		CC:  activity.StringList{"https://remote.example/user/a1"},
		BCC: activity.StringList{"https://remote.example/user/a2"},
	}
	d.Distribute(act, "bot1")
	d.OnIdle()

	// one POST for the deduped public pass, one for the bcc recipient
	remote.AssertNumberOfCalls(t, "Post", 2)

	// bto and bcc never leave the building
	remote.mu.Lock()
	defer remote.mu.Unlock()
	require.Len(t, remote.bodies, 2)
	for _, body := range remote.bodies {
		var sent map[string]any
		require.NoError(t, json.Unmarshal(body, &sent))
		assert.NotContains(t, sent, "bcc")
		assert.NotContains(t, sent, "bto")
		assert.Contains(t, sent, "to")
	}
}

func TestDistribute_RetriesServerErrors(t *testing.T) {
	const inbox = "https://remote.example/user/a1/inbox"
	remote := &mockRemote{}
	remote.On("Get", "https://remote.example/user/a1", "bot1").
		Return(remoteActor("https://remote.example/user/a1", inbox, ""), nil)
	remote.On("Post", inbox, "bot1").Return(&StatusError{Code: 503}).Once()
	remote.On("Post", inbox, "bot1").Return(nil)

	lr := &localRecorder{}
	d := testDistributor(t, remote, lr, "bot1")

	act := &activity.Object{
		ID:    "https://local.example/user/bot1/create/x5",
		Type:  activity.StringList{activity.CreateType},
		Actor: "https://local.example/user/bot1",
		To:    activity.StringList{"https://remote.example/user/a1"},
	}
	d.Distribute(act, "bot1")
	d.OnIdle()

	remote.AssertNumberOfCalls(t, "Post", 2)
}

func TestDistribute_GivesUpAfterMaxAttempts(t *testing.T) {
	const inbox = "https://remote.example/user/a1/inbox"
	remote := &mockRemote{}
	remote.On("Get", "https://remote.example/user/a1", "bot1").
		Return(remoteActor("https://remote.example/user/a1", inbox, ""), nil)
	remote.On("Post", inbox, "bot1").Return(&StatusError{Code: 500})

	lr := &localRecorder{}
	d := testDistributor(t, remote, lr, "bot1")
	d.attempts = 3

	act := &activity.Object{
		ID:    "https://local.example/user/bot1/create/x6",
		Type:  activity.StringList{activity.CreateType},
		Actor: "https://local.example/user/bot1",
		To:    activity.StringList{"https://remote.example/user/a1"},
	}
	d.Distribute(act, "bot1")
	d.OnIdle()

	remote.AssertNumberOfCalls(t, "Post", 3)
}

func TestDistribute_ClientErrorsAreNotRetried(t *testing.T) {
	const inbox = "https://remote.example/user/a1/inbox"
	remote := &mockRemote{}
	remote.On("Get", "https://remote.example/user/a1", "bot1").
		Return(remoteActor("https://remote.example/user/a1", inbox, ""), nil)
	remote.On("Post", inbox, "bot1").Return(&StatusError{Code: 403})

	lr := &localRecorder{}
	d := testDistributor(t, remote, lr, "bot1")

	act := &activity.Object{
		ID:    "https://local.example/user/bot1/create/x7",
		Type:  activity.StringList{activity.CreateType},
		Actor: "https://local.example/user/bot1",
		To:    activity.StringList{"https://remote.example/user/a1"},
	}
	d.Distribute(act, "bot1")
	d.OnIdle()

	remote.AssertNumberOfCalls(t, "Post", 1)
}

func TestDistribute_ExpandsLocalFollowers(t *testing.T) {
	const remoteFollower = "https://remote.example/user/a1"
	const inbox = "https://remote.example/user/a1/inbox"

	remote := &mockRemote{}
	remote.On("Get", remoteFollower, "bot1").
		Return(remoteActor(remoteFollower, inbox, ""), nil)
	remote.On("Post", inbox, "bot1").Return(nil)

	lr := &localRecorder{}
	d := testDistributor(t, remote, lr, "bot1", "bot2")

	f := testFormatter(t)
	require.NoError(t, d.db.AddToCollection("bot1", FollowersCollection, remoteFollower))
	require.NoError(t, d.db.AddToCollection("bot1", FollowersCollection, f.Actor("bot2")))

	act := &activity.Object{
		ID:    "https://local.example/user/bot1/create/x8",
		Type:  activity.StringList{activity.CreateType},
		Actor: "https://local.example/user/bot1",
		To:    activity.StringList{f.ActorCollection("bot1", FollowersCollection)},
	}
	d.Distribute(act, "bot1")
	d.OnIdle()

	remote.AssertNumberOfCalls(t, "Post", 1)
	assert.ElementsMatch(t, []string{"bot2"}, lr.names)
}

func TestDistribute_TransportErrorsAreNotRetried(t *testing.T) {
	const inbox = "https://remote.example/user/a1/inbox"
	remote := &mockRemote{}
	remote.On("Get", "https://remote.example/user/a1", "bot1").
		Return(remoteActor("https://remote.example/user/a1", inbox, ""), nil)
	remote.On("Post", inbox, "bot1").Return(errors.New("dial tcp: connection refused"))

	lr := &localRecorder{}
	d := testDistributor(t, remote, lr, "bot1")

	act := &activity.Object{
		ID:    "https://local.example/user/bot1/create/x8",
		Type:  activity.StringList{activity.CreateType},
		Actor: "https://local.example/user/bot1",
		To:    activity.StringList{"https://remote.example/user/a1"},
	}
	d.Distribute(act, "bot1")
	d.OnIdle()

	remote.AssertNumberOfCalls(t, "Post", 1)
}
