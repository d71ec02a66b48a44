package tts

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"readaloud/internal/apperr"
	"readaloud/internal/blob"
	"readaloud/internal/config"
	"readaloud/internal/documents"
	"readaloud/internal/models"
	"readaloud/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSynth struct {
	inputs []string
	err    error
}

func (f *fakeSynth) Synthesize(_ context.Context, text string) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, text)
	return io.NopCloser(strings.NewReader("ID3-fake-mp3")), nil
}

type fixture struct {
	db    *sql.DB
	repo  *documents.Repository
	store blob.Store
	doc   *models.Document
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`INSERT INTO users (id, email, password_hash, created_at) VALUES ('u1', 'u1@example.com', '', ?)`, time.Now().UTC())
	require.NoError(t, err)

	store, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	repo := documents.NewRepository(db, nil)
	doc := &models.Document{OwnerID: "u1", DisplayName: "a.pdf", MediaType: models.MediaTypePDF, SourceLocation: "local://documents/u1/a.pdf"}
	require.NoError(t, repo.Create(context.Background(), doc))
	return &fixture{db: db, repo: repo, store: store, doc: doc}
}

const longText = "The quick brown fox jumps over the lazy dog again and again."

func TestRenderStoresAndRecordsArtifact(t *testing.T) {
	f := newFixture(t)
	synth := &fakeSynth{}
	svc := NewService(synth, f.store, f.repo, 20, 4096)

	loc, err := svc.Render(context.Background(), "u1", f.doc.ID, longText)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc, "local://audio/u1/"+f.doc.ID+"/"))

	rc, err := f.store.Open(context.Background(), loc)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "ID3-fake-mp3", string(data))

	orphans, err := f.repo.OrphanedArtifacts(context.Background(), time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, loc, orphans[0].Location)
}

func TestRenderValidation(t *testing.T) {
	f := newFixture(t)
	synth := &fakeSynth{}
	svc := NewService(synth, f.store, f.repo, 20, 4096)
	ctx := context.Background()

	_, err := svc.Render(ctx, "u1", f.doc.ID, "   too short   ")
	assert.Equal(t, CodeInvalidInput, apperr.CodeOf(err))

	_, err = svc.Render(ctx, "u1", "", longText)
	assert.Equal(t, CodeInvalidInput, apperr.CodeOf(err))

	_, err = svc.Render(ctx, "u2", f.doc.ID, longText)
	assert.Equal(t, CodeInvalidInput, apperr.CodeOf(err), "another owner's document is unknown")

	_, err = svc.Render(ctx, "", f.doc.ID, longText)
	assert.Equal(t, CodeUnauthenticated, apperr.CodeOf(err))
	assert.Empty(t, synth.inputs)
}

func TestRenderProviderFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	svc := NewService(&fakeSynth{err: errors.New("429 from provider")}, f.store, f.repo, 20, 4096)
	_, err := svc.Render(context.Background(), "u1", f.doc.ID, longText)
	assert.Equal(t, CodeInternal, apperr.CodeOf(err))
}

func TestRenderTruncatesLongText(t *testing.T) {
	f := newFixture(t)
	synth := &fakeSynth{}
	svc := NewService(synth, f.store, f.repo, 20, 30)
	_, err := svc.Render(context.Background(), "u1", f.doc.ID, longText)
	require.NoError(t, err)
	require.Len(t, synth.inputs, 1)
	assert.Equal(t, "The quick brown fox jumps over", synth.inputs[0])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "hello", Truncate("hello world", 8))
	assert.Equal(t, "abcdefgh", Truncate("abcdefghijkl", 8), "no boundary falls back to a hard cut")
}

func TestSweeperRemovesOldOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := NewService(&fakeSynth{}, f.store, f.repo, 20, 4096)

	orphan, err := svc.Render(ctx, "u1", f.doc.ID, longText)
	require.NoError(t, err)
	kept, err := svc.Render(ctx, "u1", f.doc.ID, longText)
	require.NoError(t, err)
	_, err = f.repo.AttachAudio(ctx, "u1", f.doc.ID, kept)
	require.NoError(t, err)

	sw := NewSweeper(f.repo, f.store, time.Hour)
	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh orphans are left alone")

	sw.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.Open(ctx, orphan)
	assert.ErrorIs(t, err, blob.ErrNotFound)
	rc, err := f.store.Open(ctx, kept)
	require.NoError(t, err)
	rc.Close()
}

type fakePurger struct {
	n     int64
	err   error
	calls int
}

func (p *fakePurger) PurgeExpired(context.Context) (int64, error) {
	p.calls++
	return p.n, p.err
}

func TestSweeperRunsPurgers(t *testing.T) {
	sw := NewSweeper(nil, nil, time.Hour)
	failing := &fakePurger{err: errors.New("db down")}
	ok := &fakePurger{n: 4}
	sw.Purge(failing)
	sw.Purge(ok)
	sw.Purge(nil)

	assert.Equal(t, int64(4), sw.PurgeOnce(context.Background()))
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls, "one failing purger must not stop the rest")
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	sw := NewSweeper(nil, nil, time.Hour)
	assert.Error(t, sw.Start("not a schedule"))
	sw.Stop()
}
