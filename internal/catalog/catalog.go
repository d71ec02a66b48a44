// Package catalog keeps the live, owner-scoped list of documents a reader
// session shows.
package catalog

import (
	"context"
	"errors"
	"sort"
	"sync"

	"readaloud/internal/apperr"
	"readaloud/internal/models"

	"github.com/sirupsen/logrus"
)

// Source opens live queries. documents.Repository satisfies it.
type Source interface {
	Watch(ctx context.Context, ownerID string, fn func([]models.Document)) (func(), error)
}

// Persistence applies mutations. The catalog only learns about them through
// the live query.
type Persistence interface {
	Create(ctx context.Context, doc *models.Document) error
	Remove(ctx context.Context, ownerID, id string) error
}

var ErrNoIdentity = apperr.New(apperr.Authorization, "unauthenticated", "please sign in again")

type Catalog struct {
	source Source
	store  Persistence

	mu       sync.Mutex
	identity *models.Identity
	gen      uint64
	docs     []models.Document
	stop     func()
	err      error
	onChange func([]models.Document)
}

func New(source Source, store Persistence) *Catalog {
	return &Catalog{source: source, store: store}
}

// OnChange sets the function told about every new snapshot, including the
// empty one published when the identity changes.
func (c *Catalog) OnChange(fn func([]models.Document)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// SetIdentity re-scopes the catalog. The previous live query is torn down
// and the local copy cleared before a query for the new owner opens.
func (c *Catalog) SetIdentity(ctx context.Context, id *models.Identity) {
	c.mu.Lock()
	if models.SameSubject(c.identity, id) && c.gen > 0 {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	stop := c.stop
	c.stop = nil
	c.docs = nil
	c.err = nil
	c.identity = nil
	if id != nil {
		cp := *id
		c.identity = &cp
	}
	notify := c.onChange
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if notify != nil {
		notify(nil)
	}
	if id == nil || c.source == nil {
		return
	}

	owner := id.ID
	stopFn, err := c.source.Watch(ctx, owner, func(docs []models.Document) {
		c.apply(gen, owner, docs)
	})

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		if stopFn != nil {
			stopFn()
		}
		return
	}
	if err != nil {
		c.err = err
		c.mu.Unlock()
		logrus.WithError(err).WithField("user_id", owner).Warn("catalog live query failed")
		if notify != nil {
			notify(nil)
		}
		return
	}
	c.stop = stopFn
	c.mu.Unlock()
}

func (c *Catalog) apply(gen uint64, owner string, docs []models.Document) {
	scoped := make([]models.Document, 0, len(docs))
	for _, d := range docs {
		if d.OwnerID == owner {
			scoped = append(scoped, d)
		}
	}
	sort.SliceStable(scoped, func(i, j int) bool {
		return scoped[i].CreatedAt.After(scoped[j].CreatedAt)
	})

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		logrus.WithField("user_id", owner).Debug("stale catalog snapshot dropped")
		return
	}
	c.docs = scoped
	c.err = nil
	notify := c.onChange
	c.mu.Unlock()

	if notify != nil {
		notify(Clone(scoped))
	}
}

// Documents returns a copy of the current snapshot.
func (c *Catalog) Documents() []models.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Clone(c.docs)
}

// Find returns the document with id from the current snapshot.
func (c *Catalog) Find(id string) (models.Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.docs {
		if d.ID == id {
			return d, true
		}
	}
	return models.Document{}, false
}

// Err is the error of the last failed live query, if any.
func (c *Catalog) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Add asks persistence to create doc for the current owner.
func (c *Catalog) Add(ctx context.Context, doc *models.Document) error {
	owner, err := c.owner()
	if err != nil {
		return err
	}
	if doc == nil {
		return errors.New("document is required")
	}
	doc.OwnerID = owner
	return c.store.Create(ctx, doc)
}

// Delete asks persistence to remove the current owner's document id.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	owner, err := c.owner()
	if err != nil {
		return err
	}
	return c.store.Remove(ctx, owner, id)
}

// Close tears down the live query.
func (c *Catalog) Close() {
	c.mu.Lock()
	c.gen++
	stop := c.stop
	c.stop = nil
	c.docs = nil
	c.identity = nil
	c.onChange = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (c *Catalog) owner() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return "", ErrNoIdentity
	}
	if c.store == nil {
		return "", apperr.New(apperr.Configuration, "configuration-invalid", "document storage is not configured")
	}
	return c.identity.ID, nil
}

// Clone copies a snapshot so callers cannot alias catalog state.
func Clone(docs []models.Document) []models.Document {
	if docs == nil {
		return nil
	}
	out := make([]models.Document, len(docs))
	copy(out, docs)
	return out
}
