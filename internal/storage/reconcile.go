package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guildworks/guildcore/internal/common"
	"github.com/guildworks/guildcore/internal/interfaces"
)

// Reconciler keeps the file and database copies of the dual-homed
// collections in agreement. It has two modes: a one-shot migration merge run
// when the database backend is first selected (union of both sides, database
// wins on key collision), and a periodic mirror that copies the database over
// the file side to keep it warm as a fallback. Only the migration merges:
// once the database is authoritative, mirroring must also carry deletions, or
// a record deleted from the database would sit in the file mirror and be
// merged back in on the next pass.
type Reconciler struct {
	file        interfaces.CollectionStore
	db          interfaces.CollectionStore
	collections []string
	logger      *common.Logger

	active atomic.Bool
	stop   chan struct{}
	once   sync.Once
	done   sync.WaitGroup
}

// NewReconciler creates a reconciler over the given backends and collections.
func NewReconciler(file, db interfaces.CollectionStore, collections []string, logger *common.Logger) *Reconciler {
	return &Reconciler{
		file:        file,
		db:          db,
		collections: collections,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// RunOnce performs the startup migration merge over every dual-homed
// collection. Idempotent: with no intervening writes a second run finds both
// sides already equal to the merge and writes nothing. A failure on one
// collection is logged and does not stop the rest.
func (r *Reconciler) RunOnce(ctx context.Context) {
	for _, collection := range r.collections {
		if err := r.reconcileCollection(ctx, collection); err != nil {
			r.logger.Warn().
				Str("collection", collection).
				Err(err).
				Msg("reconciliation failed for collection")
		}
	}
}

// MirrorOnce copies the database side of every dual-homed collection over the
// file side, deletions included. This is the steady-state pass: after the
// startup migration the database is authoritative and the file copy is only a
// mirror, so nothing file-side is ever pushed back up.
func (r *Reconciler) MirrorOnce(ctx context.Context) {
	for _, collection := range r.collections {
		if err := r.mirrorCollection(ctx, collection); err != nil {
			r.logger.Warn().
				Str("collection", collection).
				Err(err).
				Msg("mirror failed for collection")
		}
	}
}

func (r *Reconciler) mirrorCollection(ctx context.Context, collection string) error {
	dbDocs, err := r.db.Read(ctx, collection)
	if err != nil {
		return err
	}
	fileDocs, err := r.file.Read(ctx, collection)
	if err != nil {
		return err
	}
	if docsEqual(dbDocs, fileDocs) {
		return nil
	}
	return r.file.Write(ctx, collection, dbDocs)
}

func (r *Reconciler) reconcileCollection(ctx context.Context, collection string) error {
	fileDocs, err := r.file.Read(ctx, collection)
	if err != nil {
		return err
	}
	dbDocs, err := r.db.Read(ctx, collection)
	if err != nil {
		return err
	}

	// File entries first, then database entries on top: database wins.
	merged := make(map[string]json.RawMessage, len(fileDocs)+len(dbDocs))
	for key, doc := range fileDocs {
		merged[key] = doc
	}
	for key, doc := range dbDocs {
		merged[key] = doc
	}

	if !docsEqual(merged, dbDocs) {
		if err := r.db.Write(ctx, collection, merged); err != nil {
			return err
		}
	}
	if !docsEqual(merged, fileDocs) {
		if err := r.file.Write(ctx, collection, merged); err != nil {
			return err
		}
	}
	return nil
}

// Start runs the periodic mirror loop. A non-positive interval disables it.
func (r *Reconciler) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.active.Store(true)
	r.done.Add(1)
	go func() {
		defer r.done.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.MirrorOnce(context.Background())
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop halts the periodic loop, if running.
func (r *Reconciler) Stop() {
	r.once.Do(func() { close(r.stop) })
	r.done.Wait()
	r.active.Store(false)
}

// Active reports whether the periodic loop is running.
func (r *Reconciler) Active() bool {
	return r.active.Load()
}

func docsEqual(a, b map[string]json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for key, doc := range a {
		other, ok := b[key]
		if !ok || !bytes.Equal(doc, other) {
			return false
		}
	}
	return true
}
