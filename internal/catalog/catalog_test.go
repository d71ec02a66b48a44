package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"readaloud/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	fns     map[string]func([]models.Document)
	stopped map[string]int
	initial map[string][]models.Document
	err     error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		fns:     make(map[string]func([]models.Document)),
		stopped: make(map[string]int),
		initial: make(map[string][]models.Document),
	}
}

func (f *fakeSource) Watch(_ context.Context, owner string, fn func([]models.Document)) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.fns[owner] = fn
	initial := f.initial[owner]
	f.mu.Unlock()
	fn(initial)
	return func() {
		f.mu.Lock()
		f.stopped[owner]++
		f.mu.Unlock()
	}, nil
}

func (f *fakeSource) push(owner string, docs []models.Document) {
	f.mu.Lock()
	fn := f.fns[owner]
	f.mu.Unlock()
	fn(docs)
}

type fakeStore struct {
	created []*models.Document
	removed []string
}

func (f *fakeStore) Create(_ context.Context, doc *models.Document) error {
	f.created = append(f.created, doc)
	return nil
}

func (f *fakeStore) Remove(_ context.Context, owner, id string) error {
	f.removed = append(f.removed, owner+"/"+id)
	return nil
}

func doc(id, owner string, age time.Duration) models.Document {
	return models.Document{ID: id, OwnerID: owner, CreatedAt: time.Unix(1_700_000_000, 0).Add(-age)}
}

func TestSnapshotsAreOrderedAndOwnerScoped(t *testing.T) {
	src := newFakeSource()
	src.initial["u1"] = []models.Document{doc("old", "u1", time.Hour), doc("stray", "u2", 0), doc("new", "u1", time.Minute)}
	c := New(src, &fakeStore{})
	c.SetIdentity(context.Background(), &models.Identity{ID: "u1"})

	docs := c.Documents()
	require.Len(t, docs, 2)
	assert.Equal(t, "new", docs[0].ID)
	assert.Equal(t, "old", docs[1].ID)
}

func TestIdentitySwitchNeverShowsPreviousOwner(t *testing.T) {
	src := newFakeSource()
	src.initial["u1"] = []models.Document{doc("a", "u1", 0)}
	src.initial["u2"] = []models.Document{doc("b", "u2", 0)}
	c := New(src, &fakeStore{})

	var seen [][]models.Document
	var current string
	c.OnChange(func(docs []models.Document) {
		for _, d := range docs {
			if d.OwnerID != current {
				t.Errorf("saw %s owned by %s while signed in as %s", d.ID, d.OwnerID, current)
			}
		}
		seen = append(seen, docs)
	})

	current = "u1"
	c.SetIdentity(context.Background(), &models.Identity{ID: "u1"})
	require.Len(t, c.Documents(), 1)

	current = "u2"
	c.SetIdentity(context.Background(), &models.Identity{ID: "u2"})
	assert.Equal(t, 1, src.stopped["u1"])

	// a snapshot from the torn-down query arrives late
	src.push("u1", []models.Document{doc("a", "u1", 0), doc("c", "u1", 0)})
	docs := c.Documents()
	require.Len(t, docs, 1)
	assert.Equal(t, "b", docs[0].ID)

	current = ""
	c.SetIdentity(context.Background(), nil)
	assert.Empty(t, c.Documents())
	assert.Equal(t, 1, src.stopped["u2"])
	assert.NotEmpty(t, seen)
}

func TestSameIdentityKeepsQuery(t *testing.T) {
	src := newFakeSource()
	c := New(src, &fakeStore{})
	c.SetIdentity(context.Background(), &models.Identity{ID: "u1"})
	c.SetIdentity(context.Background(), &models.Identity{ID: "u1", Email: "changed@example.com"})
	assert.Zero(t, src.stopped["u1"])
}

func TestMutationsGoThroughPersistence(t *testing.T) {
	src := newFakeSource()
	store := &fakeStore{}
	c := New(src, store)

	assert.ErrorIs(t, c.Delete(context.Background(), "x"), ErrNoIdentity)

	c.SetIdentity(context.Background(), &models.Identity{ID: "u1"})
	d := &models.Document{ID: "x", OwnerID: "someone-else"}
	require.NoError(t, c.Add(context.Background(), d))
	assert.Equal(t, "u1", d.OwnerID)
	assert.Empty(t, c.Documents(), "catalog waits for the live query")

	require.NoError(t, c.Delete(context.Background(), "x"))
	assert.Equal(t, []string{"u1/x"}, store.removed)
}

func TestWatchFailureIsRecorded(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("db down")
	c := New(src, &fakeStore{})
	c.SetIdentity(context.Background(), &models.Identity{ID: "u1"})
	assert.Error(t, c.Err())
	assert.Empty(t, c.Documents())
}

func TestCloseStopsQuery(t *testing.T) {
	src := newFakeSource()
	c := New(src, &fakeStore{})
	c.SetIdentity(context.Background(), &models.Identity{ID: "u1"})
	c.Close()
	assert.Equal(t, 1, src.stopped["u1"])
	src.push("u1", []models.Document{doc("late", "u1", 0)})
	assert.Empty(t, c.Documents())
}
