package tts

import (
	"context"
	"errors"
	"time"

	"readaloud/internal/blob"
	"readaloud/internal/metrics"
	"readaloud/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const sweepBatch = 100

// ArtifactStore lists and forgets rendered audio.
type ArtifactStore interface {
	OrphanedArtifacts(ctx context.Context, cutoff time.Time, limit int) ([]models.AudioArtifact, error)
	DeleteArtifact(ctx context.Context, id string) error
}

// Purger drops expired rows. auth.Service satisfies it for render
// credentials.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Sweeper removes rendered audio that was never attached to a document and,
// on the same schedule, the expired credentials that paid for it.
type Sweeper struct {
	artifacts ArtifactStore
	store     blob.Store
	ttl       time.Duration
	now       func() time.Time
	cron      *cron.Cron
	purgers   []Purger
}

func NewSweeper(artifacts ArtifactStore, store blob.Store, ttl time.Duration) *Sweeper {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Sweeper{artifacts: artifacts, store: store, ttl: ttl, now: time.Now}
}

// Purge adds p to every scheduled run.
func (s *Sweeper) Purge(p Purger) {
	if p != nil {
		s.purgers = append(s.purgers, p)
	}
}

// Start runs the sweep on schedule (a cron spec or "@every 15m").
func (s *Sweeper) Start(schedule string) error {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.SweepOnce(ctx); err != nil {
			logrus.WithError(err).Warn("audio sweep failed")
		}
		s.PurgeOnce(ctx)
	}); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// SweepOnce deletes orphans older than the ttl and reports how many went.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.ttl)
	removed := 0
	for {
		orphans, err := s.artifacts.OrphanedArtifacts(ctx, cutoff, sweepBatch)
		if err != nil {
			return removed, err
		}
		progressed := false
		for _, a := range orphans {
			if err := s.store.Delete(ctx, a.Location); err != nil && !errors.Is(err, blob.ErrNotFound) {
				logrus.WithError(err).WithField("location", a.Location).Warn("remove orphaned audio failed")
				continue
			}
			if err := s.artifacts.DeleteArtifact(ctx, a.ID); err != nil {
				logrus.WithError(err).WithField("artifact", a.ID).Warn("delete artifact record failed")
				continue
			}
			removed++
			progressed = true
		}
		if len(orphans) < sweepBatch || !progressed {
			break
		}
	}
	if removed > 0 {
		metrics.ArtifactsSwept(removed)
		logrus.WithField("removed", removed).Info("orphaned audio swept")
	}
	return removed, nil
}

// PurgeOnce runs every purger and reports the rows removed. Failures are
// logged and do not stop the others.
func (s *Sweeper) PurgeOnce(ctx context.Context) int64 {
	var total int64
	for _, p := range s.purgers {
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			logrus.WithError(err).Warn("purge expired rows failed")
			continue
		}
		total += n
	}
	if total > 0 {
		logrus.WithField("removed", total).Info("expired credentials purged")
	}
	return total
}
