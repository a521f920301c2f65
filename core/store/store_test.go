// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/livestore/core"
	"github.com/relabs-tech/livestore/core/access"
	"github.com/relabs-tech/livestore/core/persistence"
	"github.com/relabs-tech/livestore/core/pointers"
	"github.com/relabs-tech/livestore/core/query"
	"github.com/relabs-tech/livestore/core/value"
)

type notification struct {
	collectionID string
	operation    core.Operation
	documentID   string
	revision     int64
}

type recordingNotifier struct {
	mutex         sync.Mutex
	notifications []notification
	dropped       []string
}

func (n *recordingNotifier) Notify(ctx context.Context, collectionID string, operation core.Operation, document core.Document) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.notifications = append(n.notifications, notification{collectionID, operation, document.ID, document.Revision})
}

func (n *recordingNotifier) DropCollection(ctx context.Context, collectionID string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.dropped = append(n.dropped, collectionID)
}

func (n *recordingNotifier) all() []notification {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return append([]notification(nil), n.notifications...)
}

type recordingDispatcher struct {
	mutex      sync.Mutex
	deliveries []core.WebhookDelivery
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, delivery core.WebhookDelivery) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.deliveries = append(d.deliveries, delivery)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.deliveries)
}

func object(m map[string]interface{}) *value.Object {
	return value.MustObject(m)
}

func newTestStore(t *testing.T) (*Store, *recordingNotifier) {
	t.Helper()
	notifier := &recordingNotifier{}
	s := New(&Builder{Driver: persistence.NewMemory(), Notifier: notifier})
	_, err := s.CreateCollection(context.Background(), "Posts", "", "posts", "")
	require.NoError(t, err)
	return s, notifier
}

func TestCollections(t *testing.T) {
	ctx := context.Background()
	driver := persistence.NewMemory()
	s := New(&Builder{Driver: driver})

	_, err := s.CreateCollection(ctx, " ", "", "", "")
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = s.CreateCollection(ctx, "Reserved", "", "_user_", "")
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = s.CreateCollection(ctx, "Slash", "", "a/b", "")
	assert.ErrorIs(t, err, core.ErrValidation)

	first, err := s.CreateCollection(ctx, "First", "", "first", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", first.Owner)
	second, err := s.CreateCollection(ctx, "Second", "https://example.com/hook", "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, second.ID)

	_, err = s.CreateCollection(ctx, "Again", "", "first", "")
	assert.ErrorIs(t, err, core.ErrConflict)

	list := s.ListCollections(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	updated, err := s.UpdateCollection(ctx, "first", CollectionUpdate{Name: pointers.To("Renamed")})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	_, err = s.UpdateCollection(ctx, "first", CollectionUpdate{Name: pointers.To("")})
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = s.UpdateCollection(ctx, "missing", CollectionUpdate{Name: pointers.To("Renamed")})
	assert.ErrorIs(t, err, core.ErrNotFound)

	// collections survive a restart
	reloaded := New(&Builder{Driver: driver})
	c, err := reloaded.GetCollection(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", c.Name)
	assert.Len(t, reloaded.ListCollections(ctx), 2)
}

func TestCreateGet(t *testing.T) {
	ctx := context.Background()
	s, notifier := newTestStore(t)

	doc, err := s.CreateDocument(ctx, "posts", object(map[string]interface{}{"title": "Hello", "tags": []interface{}{"a", "b"}}), "")
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, int64(1), doc.Revision)
	assert.Equal(t, doc.CreatedAt, doc.UpdatedAt)

	got, err := s.GetDocument(ctx, "posts", doc.ID)
	require.NoError(t, err)
	assert.True(t, doc.Data.Equal(got.Data))
	assert.True(t, got.CreatedAt.Equal(got.UpdatedAt))
	assert.Equal(t, "posts", got.CollectionID)

	_, err = s.CreateDocument(ctx, "posts", nil, doc.ID)
	assert.ErrorIs(t, err, core.ErrConflict)
	_, err = s.CreateDocument(ctx, "missing", nil, "")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.GetDocument(ctx, "posts", "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.GetDocument(ctx, "missing", doc.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	assert.Equal(t, []notification{{"posts", core.OperationCreate, doc.ID, 1}}, notifier.all())
}

func TestMergeAndReplace(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	doc, err := s.CreateDocument(ctx, "posts", object(map[string]interface{}{"a": 0, "b": 2}), "d")
	require.NoError(t, err)

	merged, err := s.UpdateDocument(ctx, "posts", "d", object(map[string]interface{}{"a": 1}), true, nil)
	require.NoError(t, err)
	assert.True(t, merged.Data.Equal(object(map[string]interface{}{"a": 1, "b": 2})))
	assert.Equal(t, int64(2), merged.Revision)
	assert.True(t, merged.UpdatedAt.After(doc.CreatedAt))
	assert.True(t, doc.CreatedAt.Equal(merged.CreatedAt))

	replaced, err := s.UpdateDocument(ctx, "posts", "d", object(map[string]interface{}{"a": 1}), false, nil)
	require.NoError(t, err)
	assert.True(t, replaced.Data.Equal(object(map[string]interface{}{"a": 1})))
	assert.Equal(t, int64(3), replaced.Revision)

	stale := int64(2)
	_, err = s.UpdateDocument(ctx, "posts", "d", object(map[string]interface{}{"a": 5}), true, &stale)
	assert.ErrorIs(t, err, core.ErrConflict)
	current := int64(3)
	_, err = s.UpdateDocument(ctx, "posts", "d", object(map[string]interface{}{"a": 5}), true, &current)
	assert.NoError(t, err)

	_, err = s.UpdateDocument(ctx, "posts", "missing", nil, true, nil)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s, notifier := newTestStore(t)

	_, err := s.CreateDocument(ctx, "posts", nil, "d")
	require.NoError(t, err)
	require.NoError(t, s.DeleteDocument(ctx, "posts", "d"))
	assert.ErrorIs(t, s.DeleteDocument(ctx, "posts", "d"), core.ErrNotFound)
	assert.ErrorIs(t, s.DeleteDocument(ctx, "posts", "never"), core.ErrNotFound)

	_, err = s.UpdateDocument(ctx, "posts", "d", nil, true, nil)
	assert.ErrorIs(t, err, core.ErrNotFound, "no resurrection")

	events := notifier.all()
	require.Len(t, events, 2)
	assert.Equal(t, core.OperationDelete, events[1].operation)
}

func TestListDocuments(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for i := 0; i < 25; i++ {
		status := "active"
		if i%5 == 0 {
			status = "archived"
		}
		_, err := s.CreateDocument(ctx, "posts", object(map[string]interface{}{"rank": i + 1, "status": status}), fmt.Sprintf("d%02d", i))
		require.NoError(t, err)
	}

	filter, err := query.CompileMap(map[string]interface{}{"status": "active"})
	require.NoError(t, err)
	page, err := s.ListDocuments(ctx, "posts", query.Query{Filter: filter}, nil)
	require.NoError(t, err)
	assert.Equal(t, 20, page.Total)
	assert.Len(t, page.Documents, 20)
	for _, doc := range page.Documents {
		status, _ := doc.Data.Get("status")
		assert.Equal(t, value.String("active"), status)
	}

	order, err := query.ParseOrder("rank:asc")
	require.NoError(t, err)
	page, err = s.ListDocuments(ctx, "posts", query.Query{OrderBy: order, Limit: 10, Offset: 10}, nil)
	require.NoError(t, err)
	assert.Equal(t, 25, page.Total)
	require.Len(t, page.Documents, 10)
	first, _ := page.Documents[0].Data.Get("rank")
	last, _ := page.Documents[9].Data.Get("rank")
	assert.Equal(t, value.Number(11), first)
	assert.Equal(t, value.Number(20), last)

	page, err = s.ListDocuments(ctx, "posts", query.Query{Offset: 100}, nil)
	require.NoError(t, err)
	assert.Empty(t, page.Documents)
	assert.Equal(t, 25, page.Total)

	_, err = s.ListDocuments(ctx, "missing", query.Query{}, nil)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestListDocumentsCurrentUser(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.CreateDocument(ctx, "posts", object(map[string]interface{}{"owner": "u1"}), "mine")
	require.NoError(t, err)
	_, err = s.CreateDocument(ctx, "posts", object(map[string]interface{}{"owner": "u2"}), "theirs")
	require.NoError(t, err)

	filter, err := query.CompileMap(map[string]interface{}{"owner": query.CurrentUser})
	require.NoError(t, err)
	_, err = s.ListDocuments(ctx, "posts", query.Query{Filter: filter}, nil)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)

	page, err := s.ListDocuments(ctx, "posts", query.Query{Filter: filter}, &access.Identity{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, page.Documents, 1)
	assert.Equal(t, "mine", page.Documents[0].ID)
}

func TestConcurrentUpdatesWithSameRevision(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.CreateDocument(ctx, "posts", object(map[string]interface{}{"n": 0}), "d")
	require.NoError(t, err)

	const writers = 8
	expected := int64(1)
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpdateDocument(ctx, "posts", "d", object(map[string]interface{}{"n": i}), true, &expected)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	succeeded, conflicts := 0, 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else if assert.ErrorIs(t, err, core.ErrConflict) {
			conflicts++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, writers-1, conflicts)

	doc, err := s.GetDocument(ctx, "posts", "d")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Revision)
}

func TestNotificationsFollowCommitOrder(t *testing.T) {
	ctx := context.Background()
	s, notifier := newTestStore(t)
	_, err := s.CreateDocument(ctx, "posts", nil, "d")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpdateDocument(ctx, "posts", "d", object(map[string]interface{}{"n": i}), true, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	events := notifier.all()
	require.Len(t, events, 21)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.revision)
	}
}

func TestDeleteCollectionCascades(t *testing.T) {
	ctx := context.Background()
	s, notifier := newTestStore(t)
	for i := 0; i < 3; i++ {
		_, err := s.CreateDocument(ctx, "posts", nil, fmt.Sprint(i))
		require.NoError(t, err)
	}

	require.NoError(t, s.DeleteCollection(ctx, "posts"))
	assert.ErrorIs(t, s.DeleteCollection(ctx, "posts"), core.ErrNotFound)

	events := notifier.all()
	require.Len(t, events, 6)
	for _, e := range events[3:] {
		assert.Equal(t, core.OperationDelete, e.operation)
	}
	assert.Equal(t, []string{"posts"}, notifier.dropped)

	_, err := s.GetDocument(ctx, "posts", "0")
	assert.ErrorIs(t, err, core.ErrNotFound)

	// the id can be used again and starts empty
	_, err = s.CreateCollection(ctx, "Posts", "", "posts", "")
	require.NoError(t, err)
	page, err := s.ListDocuments(ctx, "posts", query.Query{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
}

func TestWebhookDispatch(t *testing.T) {
	ctx := context.Background()
	dispatcher := &recordingDispatcher{}
	s := New(&Builder{Driver: persistence.NewMemory(), Webhooks: dispatcher})

	_, err := s.CreateCollection(ctx, "Hooked", "https://example.com/hook", "hooked", "")
	require.NoError(t, err)
	_, err = s.CreateCollection(ctx, "Plain", "", "plain", "")
	require.NoError(t, err)

	_, err = s.CreateDocument(ctx, "hooked", nil, "d")
	require.NoError(t, err)
	_, err = s.CreateDocument(ctx, "plain", nil, "d")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return dispatcher.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()
	require.Len(t, dispatcher.deliveries, 1)
	assert.Equal(t, "https://example.com/hook", dispatcher.deliveries[0].URL)
	assert.Equal(t, core.OperationCreate, dispatcher.deliveries[0].Event.Event)
	assert.Equal(t, "d", dispatcher.deliveries[0].Event.Data.ID)
}

func TestDocumentsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	driver := persistence.NewMemory()
	s := New(&Builder{Driver: driver})
	_, err := s.CreateCollection(ctx, "Posts", "", "posts", "")
	require.NoError(t, err)
	doc, err := s.CreateDocument(ctx, "posts", object(map[string]interface{}{"z": 1, "a": map[string]interface{}{"nested": true}}), "d")
	require.NoError(t, err)

	reloaded := New(&Builder{Driver: driver})
	got, err := reloaded.GetDocument(ctx, "posts", "d")
	require.NoError(t, err)
	assert.True(t, doc.Data.Equal(got.Data))
	assert.Equal(t, doc.Data.Keys(), got.Data.Keys())
	assert.True(t, doc.CreatedAt.Equal(got.CreatedAt))
}

// gatedDriver blocks the next scan of a collection until released
type gatedDriver struct {
	persistence.Driver
	mutex        sync.Mutex
	collectionID string
	entered      chan struct{}
	release      chan struct{}
}

func (d *gatedDriver) gate(collectionID string) (entered chan struct{}, release chan struct{}) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.collectionID = collectionID
	d.entered = make(chan struct{})
	d.release = make(chan struct{})
	return d.entered, d.release
}

func (d *gatedDriver) Scan(ctx context.Context, collectionID string, fn func(documentID string, data []byte) error) error {
	d.mutex.Lock()
	var entered, release chan struct{}
	if collectionID == d.collectionID {
		entered, release = d.entered, d.release
		d.collectionID = ""
	}
	d.mutex.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}
	return d.Driver.Scan(ctx, collectionID, fn)
}

func TestCollectionIDTakenWhileDeleting(t *testing.T) {
	ctx := context.Background()
	driver := &gatedDriver{Driver: persistence.NewMemory()}
	s := New(&Builder{Driver: driver})
	_, err := s.CreateCollection(ctx, "Posts", "", "posts", "")
	require.NoError(t, err)
	_, err = s.CreateDocument(ctx, "posts", nil, "old")
	require.NoError(t, err)

	entered, release := driver.gate("posts")
	deleted := make(chan error, 1)
	go func() {
		deleted <- s.DeleteCollection(ctx, "posts")
	}()
	<-entered

	_, err = s.CreateCollection(ctx, "Posts", "", "posts", "")
	assert.ErrorIs(t, err, core.ErrConflict)
	_, err = s.GetCollection(ctx, "posts")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.CreateDocument(ctx, "posts", nil, "lost")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Empty(t, s.ListCollections(ctx))

	close(release)
	require.NoError(t, <-deleted)

	_, err = s.CreateCollection(ctx, "Posts again", "", "posts", "")
	require.NoError(t, err)
	_, err = s.CreateDocument(ctx, "posts", nil, "new")
	require.NoError(t, err)

	reloaded := New(&Builder{Driver: driver})
	c, err := reloaded.GetCollection(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, "Posts again", c.Name)
	_, err = reloaded.GetDocument(ctx, "posts", "new")
	assert.NoError(t, err)
	_, err = reloaded.GetDocument(ctx, "posts", "old")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

// blockingDispatcher blocks every dispatch until released
type blockingDispatcher struct {
	recordingDispatcher
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *blockingDispatcher) Dispatch(ctx context.Context, delivery core.WebhookDelivery) error {
	d.once.Do(func() { close(d.started) })
	<-d.release
	return d.recordingDispatcher.Dispatch(ctx, delivery)
}

func TestWebhookQueueIsBounded(t *testing.T) {
	ctx := context.Background()
	dispatcher := &blockingDispatcher{started: make(chan struct{}), release: make(chan struct{})}
	s := New(&Builder{
		Driver:               persistence.NewMemory(),
		Webhooks:             dispatcher,
		WebhookWorkers:       1,
		WebhookQueueCapacity: 2,
	})
	_, err := s.CreateCollection(ctx, "Hooked", "https://example.com/hook", "hooked", "")
	require.NoError(t, err)

	_, err = s.CreateDocument(ctx, "hooked", nil, "0")
	require.NoError(t, err)
	<-dispatcher.started

	// the only worker is busy, two deliveries fit into the queue, the rest is dropped
	for i := 1; i < 5; i++ {
		_, err = s.CreateDocument(ctx, "hooked", nil, fmt.Sprint(i))
		require.NoError(t, err)
	}

	close(dispatcher.release)
	s.Close()
	s.Close()
	require.Equal(t, 3, dispatcher.count())
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()
	ids := []string{}
	for _, d := range dispatcher.deliveries {
		ids = append(ids, d.Event.Data.ID)
	}
	assert.Equal(t, []string{"0", "1", "2"}, ids)

	// mutations after close still commit
	_, err = s.CreateDocument(ctx, "hooked", nil, "late")
	assert.NoError(t, err)
}
