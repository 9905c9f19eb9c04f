package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/guildworks/guildcore/internal/common"
	"github.com/guildworks/guildcore/internal/storage/filestore"
)

// memStore is an in-memory CollectionStore standing in for the database side.
type memStore struct {
	mu     sync.Mutex
	data   map[string]map[string]json.RawMessage
	writes int
	fail   bool
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]map[string]json.RawMessage)}
}

func (s *memStore) Read(_ context.Context, collection string) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("store unavailable")
	}
	out := make(map[string]json.RawMessage, len(s.data[collection]))
	for k, v := range s.data[collection] {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) Write(_ context.Context, collection string, docs map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store unavailable")
	}
	s.writes++
	copied := make(map[string]json.RawMessage, len(docs))
	for k, v := range docs {
		copied[k] = v
	}
	s.data[collection] = copied
	return nil
}

func (s *memStore) Kind() string { return "memory" }

func (s *memStore) Close() error { return nil }

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func newTestFileStore(t *testing.T) *filestore.Store {
	t.Helper()
	fs, err := filestore.New(t.TempDir(), common.NewSilentLogger())
	if err != nil {
		t.Fatalf("filestore.New failed: %v", err)
	}
	return fs
}

func TestReconcilerDatabaseWins(t *testing.T) {
	ctx := context.Background()
	fs := newTestFileStore(t)
	db := newMemStore()

	// Same key on both sides with different content, plus one side-only
	// key each.
	if err := fs.Write(ctx, "polls", map[string]json.RawMessage{
		"shared":    json.RawMessage(`{"src":"file"}`),
		"file_only": json.RawMessage(`{"src":"file"}`),
	}); err != nil {
		t.Fatalf("file write failed: %v", err)
	}
	if err := db.Write(ctx, "polls", map[string]json.RawMessage{
		"shared":  json.RawMessage(`{"src":"db"}`),
		"db_only": json.RawMessage(`{"src":"db"}`),
	}); err != nil {
		t.Fatalf("db write failed: %v", err)
	}

	r := NewReconciler(fs, db, []string{"polls"}, common.NewSilentLogger())
	r.RunOnce(ctx)

	for _, side := range []struct {
		name  string
		store interface {
			Read(context.Context, string) (map[string]json.RawMessage, error)
		}
	}{{"file", fs}, {"db", db}} {
		docs, err := side.store.Read(ctx, "polls")
		if err != nil {
			t.Fatalf("%s read failed: %v", side.name, err)
		}
		if len(docs) != 3 {
			t.Errorf("%s has %d docs, want 3", side.name, len(docs))
		}
		if string(docs["shared"]) != `{"src":"db"}` {
			t.Errorf("%s shared doc = %s, want db version", side.name, docs["shared"])
		}
	}
}

func TestReconcilerIdempotent(t *testing.T) {
	ctx := context.Background()
	fs := newTestFileStore(t)
	db := newMemStore()

	if err := db.Write(ctx, "polls", map[string]json.RawMessage{
		"p1": json.RawMessage(`{"id":"p1"}`),
	}); err != nil {
		t.Fatalf("db write failed: %v", err)
	}

	r := NewReconciler(fs, db, []string{"polls"}, common.NewSilentLogger())
	r.RunOnce(ctx)
	settled := db.writeCount()

	// A second pass over already-converged stores must not write.
	r.RunOnce(ctx)
	if db.writeCount() != settled {
		t.Errorf("second pass wrote to the db (%d -> %d writes)", settled, db.writeCount())
	}
}

func TestMirrorCarriesDeletions(t *testing.T) {
	ctx := context.Background()
	fs := newTestFileStore(t)
	db := newMemStore()

	// A grant that predates the database backend gets migrated up on the
	// startup pass.
	if err := fs.Write(ctx, "temp_roles", map[string]json.RawMessage{
		"g1:u1:r1": json.RawMessage(`{"guild_id":"g1","user_id":"u1","role_id":"r1"}`),
	}); err != nil {
		t.Fatalf("file write failed: %v", err)
	}

	r := NewReconciler(fs, db, []string{"temp_roles"}, common.NewSilentLogger())
	r.RunOnce(ctx)

	docs, err := db.Read(ctx, "temp_roles")
	if err != nil {
		t.Fatalf("db read failed: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("migration left db with %d docs, want 1", len(docs))
	}

	// The scheduler expires the grant and deletes it from the database. The
	// steady-state pass must drop it from the file mirror too, not merge the
	// stale copy back into the database.
	if err := db.Write(ctx, "temp_roles", map[string]json.RawMessage{}); err != nil {
		t.Fatalf("db delete failed: %v", err)
	}
	r.MirrorOnce(ctx)

	docs, err = db.Read(ctx, "temp_roles")
	if err != nil {
		t.Fatalf("db read failed: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("deleted grant reappeared in the database: %v", docs)
	}
	fileDocs, err := fs.Read(ctx, "temp_roles")
	if err != nil {
		t.Fatalf("file read failed: %v", err)
	}
	if len(fileDocs) != 0 {
		t.Errorf("deleted grant still in the file mirror: %v", fileDocs)
	}
}

func TestMirrorNeverWritesDatabase(t *testing.T) {
	ctx := context.Background()
	fs := newTestFileStore(t)
	db := newMemStore()

	if err := db.Write(ctx, "polls", map[string]json.RawMessage{
		"p1": json.RawMessage(`{"id":"p1"}`),
	}); err != nil {
		t.Fatalf("db write failed: %v", err)
	}
	if err := fs.Write(ctx, "polls", map[string]json.RawMessage{
		"stale": json.RawMessage(`{"id":"stale"}`),
	}); err != nil {
		t.Fatalf("file write failed: %v", err)
	}
	before := db.writeCount()

	r := NewReconciler(fs, db, []string{"polls"}, common.NewSilentLogger())
	r.MirrorOnce(ctx)

	if db.writeCount() != before {
		t.Errorf("mirror pass wrote to the database (%d -> %d writes)", before, db.writeCount())
	}
	fileDocs, err := fs.Read(ctx, "polls")
	if err != nil {
		t.Fatalf("file read failed: %v", err)
	}
	if len(fileDocs) != 1 || string(fileDocs["p1"]) != `{"id":"p1"}` {
		t.Errorf("file mirror = %v, want exactly the database contents", fileDocs)
	}
}

func TestReconcilerSurvivesCollectionFailure(t *testing.T) {
	ctx := context.Background()
	fs := newTestFileStore(t)
	db := newMemStore()

	if err := fs.Write(ctx, "core_credit", map[string]json.RawMessage{
		"user1": json.RawMessage(`{"balance":10}`),
	}); err != nil {
		t.Fatalf("file write failed: %v", err)
	}

	// An invalid collection name fails its pass; later collections still run.
	r := NewReconciler(fs, db, []string{"Bad-Name", "core_credit"}, common.NewSilentLogger())
	r.RunOnce(ctx)

	docs, err := db.Read(ctx, "core_credit")
	if err != nil {
		t.Fatalf("db read failed: %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("db has %d docs, want 1", len(docs))
	}
}

func TestReconcilerStartStop(t *testing.T) {
	fs := newTestFileStore(t)
	db := newMemStore()

	r := NewReconciler(fs, db, []string{"polls"}, common.NewSilentLogger())
	if r.Active() {
		t.Error("reconciler should not be active before Start")
	}
	r.Start(10 * time.Millisecond)
	if !r.Active() {
		t.Error("reconciler should be active after Start")
	}
	time.Sleep(30 * time.Millisecond)
	r.Stop()
	if r.Active() {
		t.Error("reconciler should not be active after Stop")
	}
	// Stop twice is safe.
	r.Stop()
}
