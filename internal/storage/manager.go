// Package storage provides the single entry point for persisted collections:
// backend selection at startup, read-through caching, typed accessors, and
// reconciliation between the file and database backends.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/guildworks/guildcore/internal/cache"
	"github.com/guildworks/guildcore/internal/common"
	"github.com/guildworks/guildcore/internal/config"
	"github.com/guildworks/guildcore/internal/interfaces"
	"github.com/guildworks/guildcore/internal/models"
	"github.com/guildworks/guildcore/internal/storage/filestore"
	"github.com/guildworks/guildcore/internal/storage/postgres"
)

const queryAll = "all"

// Status is the read-only diagnostic snapshot of the storage layer.
type Status struct {
	Backend      string `json:"backend"`
	CacheEntries int    `json:"cache_entries"`
	SyncActive   bool   `json:"sync_active"`
}

// Manager selects a backend once at startup and exposes a backend-agnostic
// surface to the rest of the application. Public reads return zero values
// rather than errors; writes report success as a bool that best-effort
// callers may ignore and correctness-critical callers must check.
//
// Mutating methods hold a per-collection mutex across their read-modify-write
// so concurrent timer firings and request handlers cannot lose updates.
type Manager struct {
	backend    interfaces.CollectionStore
	records    interfaces.RecordStore // nil when the backend is coarse-only
	file       *filestore.Store
	cache      *cache.Cache
	logger     *common.Logger
	reconciler *Reconciler
	watcher    *collectionWatcher

	// notify wakes the expiration scheduler when a new deadline appears.
	notifyMu sync.RWMutex
	notify   func()

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	sweepStop chan struct{}
	closeOnce sync.Once
}

// NewManager builds the storage layer from config. The database backend is
// selected when a DSN is configured, file mode is not forced, and the
// database answers a ping; otherwise the file backend is selected and a
// degraded-mode warning is logged. The selection is fixed for the process
// lifetime.
func NewManager(logger *common.Logger, cfg *config.StorageConfig) (*Manager, error) {
	file, err := filestore.New(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		backend:   file,
		file:      file,
		cache:     cache.New(cfg.CacheTTL()),
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
		sweepStop: make(chan struct{}),
	}

	if cfg.PostgresDSN != "" && !cfg.ForceFile {
		pg, err := postgres.New(cfg.PostgresDSN, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("invalid postgres configuration, using file backend")
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := pg.Ping(ctx)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Msg("database unreachable, running degraded on file backend")
				_ = pg.Close()
			} else {
				m.backend = pg
				m.records = pg
				m.reconciler = NewReconciler(file, pg, models.DualHomedCollections, logger)
				// Migrate any pre-existing file data before serving reads,
				// then keep the file side as a mirror of the database.
				m.reconciler.RunOnce(context.Background())
				m.reconciler.Start(cfg.SyncInterval())
				logger.Info().Msg("database backend selected")
			}
		}
	}

	if m.records == nil {
		logger.Info().Str("data_dir", cfg.DataDir).Msg("file backend selected")
		if cfg.WatchFiles {
			w, err := newCollectionWatcher(file.Dir(), m.cache, logger)
			if err != nil {
				logger.Warn().Err(err).Msg("file watcher unavailable, external edits will be seen after cache TTL")
			} else {
				m.watcher = w
			}
		}
	}

	go m.sweepLoop(cfg.CacheTTL())

	return m, nil
}

// SetDeadlineNotifier registers a callback invoked whenever an entity with a
// deadline is created, so the scheduler can consider re-arming sooner.
func (m *Manager) SetDeadlineNotifier(fn func()) {
	m.notifyMu.Lock()
	m.notify = fn
	m.notifyMu.Unlock()
}

func (m *Manager) notifyDeadline() {
	m.notifyMu.RLock()
	fn := m.notify
	m.notifyMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Read returns the full document map for a collection, through the cache.
// Failures are logged and surface as an empty map, never an error.
func (m *Manager) Read(ctx context.Context, collection string) map[string]json.RawMessage {
	if data, ok := m.cache.Get(collection, queryAll); ok {
		var docs map[string]json.RawMessage
		if err := json.Unmarshal(data, &docs); err == nil {
			return docs
		}
	}

	docs, err := m.backend.Read(ctx, collection)
	if err != nil {
		m.logger.Warn().
			Str("collection", collection).
			Err(err).
			Msg("collection read failed, returning empty")
		return map[string]json.RawMessage{}
	}

	if data, err := json.Marshal(docs); err == nil {
		m.cache.Set(collection, queryAll, data)
	}
	return docs
}

// Write replaces the full document map for a collection and invalidates its
// cache entries. Returns false on failure, logged with context.
func (m *Manager) Write(ctx context.Context, collection string, docs map[string]json.RawMessage) bool {
	lock := m.lockFor(collection)
	lock.Lock()
	defer lock.Unlock()
	return m.write(ctx, collection, docs)
}

func (m *Manager) write(ctx context.Context, collection string, docs map[string]json.RawMessage) bool {
	err := m.backend.Write(ctx, collection, docs)
	m.cache.InvalidateCollection(collection)
	if err != nil {
		m.logger.Warn().
			Str("collection", collection).
			Err(err).
			Msg("collection write failed")
		return false
	}
	return true
}

// Status returns the diagnostic snapshot for the operator surface.
func (m *Manager) Status() Status {
	return Status{
		Backend:      m.backend.Kind(),
		CacheEntries: m.cache.Len(),
		SyncActive:   m.reconciler != nil && m.reconciler.Active(),
	}
}

// Close stops background work and closes the backends.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.sweepStop)
		if m.watcher != nil {
			m.watcher.Close()
		}
		if m.reconciler != nil {
			m.reconciler.Stop()
		}
		err = m.backend.Close()
		if m.records != nil {
			// The file store stays open as the reconciliation mirror when
			// the database is selected; close it too.
			if ferr := m.file.Close(); err == nil {
				err = ferr
			}
		}
	})
	return err
}

func (m *Manager) sweepLoop(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cache.Sweep()
		case <-m.sweepStop:
			return
		}
	}
}

func (m *Manager) lockFor(collection string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[collection]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[collection] = lock
	}
	return lock
}

// getRecord fetches one document, using the record store when the backend
// has one and falling back to the coarse read otherwise.
func (m *Manager) getRecord(ctx context.Context, collection, key string) (json.RawMessage, bool) {
	if data, ok := m.cache.Get(collection, "key="+key); ok {
		return data, true
	}

	var doc json.RawMessage
	if m.records != nil {
		var err error
		doc, err = m.records.GetRecord(ctx, collection, key)
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, false
		}
		if err != nil {
			m.logger.Warn().
				Str("collection", collection).
				Str("key", key).
				Err(err).
				Msg("record read failed")
			return nil, false
		}
	} else {
		docs := m.Read(ctx, collection)
		var ok bool
		doc, ok = docs[key]
		if !ok {
			return nil, false
		}
	}

	m.cache.Set(collection, "key="+key, doc)
	return doc, true
}

// upsertRecord writes one document, via the record store when available and
// a read-modify-write of the whole collection otherwise. Callers hold the
// collection lock.
func (m *Manager) upsertRecord(ctx context.Context, collection, key string, doc json.RawMessage) bool {
	if m.records != nil {
		err := m.records.UpsertRecord(ctx, collection, key, doc)
		m.cache.InvalidateCollection(collection)
		if err != nil {
			m.logger.Warn().
				Str("collection", collection).
				Str("key", key).
				Err(err).
				Msg("record upsert failed")
			return false
		}
		return true
	}

	docs, err := m.backend.Read(ctx, collection)
	if err != nil {
		m.logger.Warn().
			Str("collection", collection).
			Str("key", key).
			Err(err).
			Msg("record upsert failed on read")
		return false
	}
	docs[key] = doc
	return m.write(ctx, collection, docs)
}

// deleteRecord removes one document by key. Removing an absent record
// succeeds. Callers hold the collection lock.
func (m *Manager) deleteRecord(ctx context.Context, collection, key string) bool {
	if m.records != nil {
		err := m.records.DeleteRecord(ctx, collection, key)
		m.cache.InvalidateCollection(collection)
		if err != nil {
			m.logger.Warn().
				Str("collection", collection).
				Str("key", key).
				Err(err).
				Msg("record delete failed")
			return false
		}
		return true
	}

	docs, err := m.backend.Read(ctx, collection)
	if err != nil {
		m.logger.Warn().
			Str("collection", collection).
			Str("key", key).
			Err(err).
			Msg("record delete failed on read")
		return false
	}
	if _, ok := docs[key]; !ok {
		return true
	}
	delete(docs, key)
	return m.write(ctx, collection, docs)
}

// decodeEach unmarshals every document in a collection map, logging and
// skipping malformed entries rather than failing the whole read.
func decodeEach[T any](m *Manager, collection string, docs map[string]json.RawMessage) []T {
	out := make([]T, 0, len(docs))
	for key, doc := range docs {
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			m.logger.Warn().
				Str("collection", collection).
				Str("key", key).
				Err(err).
				Msg("skipping malformed document")
			continue
		}
		out = append(out, v)
	}
	return out
}

// --- Role mappings -----------------------------------------------------

// GetRoleMapping returns the reaction-role mapping for a message.
func (m *Manager) GetRoleMapping(ctx context.Context, messageID string) (*models.RoleMapping, bool) {
	doc, ok := m.getRecord(ctx, models.CollectionRoleMappings, messageID)
	if !ok {
		return nil, false
	}
	var mapping models.RoleMapping
	if err := json.Unmarshal(doc, &mapping); err != nil {
		m.logger.Warn().
			Str("collection", models.CollectionRoleMappings).
			Str("key", messageID).
			Err(err).
			Msg("malformed role mapping")
		return nil, false
	}
	return &mapping, true
}

// SetRoleMapping creates or replaces the mapping for its message.
func (m *Manager) SetRoleMapping(ctx context.Context, mapping *models.RoleMapping) bool {
	doc, err := json.Marshal(mapping)
	if err != nil {
		m.logger.Warn().Str("key", mapping.MessageID).Err(err).Msg("failed to serialize role mapping")
		return false
	}
	lock := m.lockFor(models.CollectionRoleMappings)
	lock.Lock()
	defer lock.Unlock()
	return m.upsertRecord(ctx, models.CollectionRoleMappings, mapping.MessageID, doc)
}

// DeleteRoleMapping removes the mapping for a message.
func (m *Manager) DeleteRoleMapping(ctx context.Context, messageID string) bool {
	lock := m.lockFor(models.CollectionRoleMappings)
	lock.Lock()
	defer lock.Unlock()
	return m.deleteRecord(ctx, models.CollectionRoleMappings, messageID)
}

// GuildRoleMappings returns a page of mappings for one guild, in key order.
func (m *Manager) GuildRoleMappings(ctx context.Context, guildID string, limit, offset int) []models.RoleMapping {
	docs := m.listByGuild(ctx, models.CollectionRoleMappings, guildID, limit, offset)
	return decodeEach[models.RoleMapping](m, models.CollectionRoleMappings, docs)
}

// --- Temporary roles ---------------------------------------------------

// TemporaryRoles returns every live grant.
func (m *Manager) TemporaryRoles(ctx context.Context) []models.TemporaryRole {
	docs := m.Read(ctx, models.CollectionTemporaryRoles)
	return decodeEach[models.TemporaryRole](m, models.CollectionTemporaryRoles, docs)
}

// AddTemporaryRole records a time-boxed grant and wakes the scheduler.
func (m *Manager) AddTemporaryRole(ctx context.Context, grant *models.TemporaryRole) bool {
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(grant)
	if err != nil {
		m.logger.Warn().Str("key", grant.Key()).Err(err).Msg("failed to serialize temporary role")
		return false
	}

	lock := m.lockFor(models.CollectionTemporaryRoles)
	lock.Lock()
	ok := m.upsertRecord(ctx, models.CollectionTemporaryRoles, grant.Key(), doc)
	lock.Unlock()

	if !ok {
		return false
	}
	m.notifyDeadline()
	return true
}

// RemoveTemporaryRole deletes a grant record, whether by the scheduler after
// expiry or by a manual early removal.
func (m *Manager) RemoveTemporaryRole(ctx context.Context, guildID, userID, roleID string) bool {
	lock := m.lockFor(models.CollectionTemporaryRoles)
	lock.Lock()
	defer lock.Unlock()
	return m.deleteRecord(ctx, models.CollectionTemporaryRoles, models.TemporaryRoleKey(guildID, userID, roleID))
}

// --- Polls -------------------------------------------------------------

// GetPoll returns one poll by id.
func (m *Manager) GetPoll(ctx context.Context, pollID string) (*models.Poll, bool) {
	doc, ok := m.getRecord(ctx, models.CollectionPolls, pollID)
	if !ok {
		return nil, false
	}
	var poll models.Poll
	if err := json.Unmarshal(doc, &poll); err != nil {
		m.logger.Warn().
			Str("collection", models.CollectionPolls).
			Str("key", pollID).
			Err(err).
			Msg("malformed poll")
		return nil, false
	}
	return &poll, true
}

// SavePoll creates or replaces a poll and wakes the scheduler when the poll
// is still active (a new poll means a new deadline).
func (m *Manager) SavePoll(ctx context.Context, poll *models.Poll) bool {
	lock := m.lockFor(models.CollectionPolls)
	lock.Lock()
	ok := m.savePoll(ctx, poll)
	lock.Unlock()

	if ok && poll.Active {
		m.notifyDeadline()
	}
	return ok
}

// savePoll persists a poll. Callers hold the polls collection lock.
func (m *Manager) savePoll(ctx context.Context, poll *models.Poll) bool {
	doc, err := json.Marshal(poll)
	if err != nil {
		m.logger.Warn().Str("key", poll.ID).Err(err).Msg("failed to serialize poll")
		return false
	}
	return m.upsertRecord(ctx, models.CollectionPolls, poll.ID, doc)
}

// DeletePoll removes a poll record entirely.
func (m *Manager) DeletePoll(ctx context.Context, pollID string) bool {
	lock := m.lockFor(models.CollectionPolls)
	lock.Lock()
	defer lock.Unlock()
	return m.deleteRecord(ctx, models.CollectionPolls, pollID)
}

// ActivePolls returns every poll still accepting votes.
func (m *Manager) ActivePolls(ctx context.Context) []models.Poll {
	docs := m.Read(ctx, models.CollectionPolls)
	polls := decodeEach[models.Poll](m, models.CollectionPolls, docs)
	active := make([]models.Poll, 0, len(polls))
	for _, p := range polls {
		if p.Active {
			active = append(active, p)
		}
	}
	return active
}

// AddVote records a vote under the poll collection lock so two concurrent
// votes cannot lose each other's update. Returns models.ErrPollEnded for a
// poll in its terminal state regardless of how it got there.
func (m *Manager) AddVote(ctx context.Context, pollID, userID string, option int) error {
	return m.mutatePoll(ctx, pollID, func(p *models.Poll) error {
		return p.AddVote(userID, option)
	})
}

// RemoveVote withdraws a vote, with the same terminal-state rules as AddVote.
func (m *Manager) RemoveVote(ctx context.Context, pollID, userID string, option int) error {
	return m.mutatePoll(ctx, pollID, func(p *models.Poll) error {
		return p.RemoveVote(userID, option)
	})
}

func (m *Manager) mutatePoll(ctx context.Context, pollID string, fn func(*models.Poll) error) error {
	lock := m.lockFor(models.CollectionPolls)
	lock.Lock()
	defer lock.Unlock()

	poll, ok := m.GetPoll(ctx, pollID)
	if !ok {
		return interfaces.ErrNotFound
	}
	if err := fn(poll); err != nil {
		return err
	}
	if !m.savePoll(ctx, poll) {
		return errors.New("failed to persist poll")
	}
	return nil
}

// EndPoll flips a poll to its terminal state and persists it. Ending an
// already-ended poll returns the persisted poll unchanged, so the manual
// path and the scheduler path converge on the same shape.
func (m *Manager) EndPoll(ctx context.Context, pollID string, now time.Time) (*models.Poll, bool) {
	lock := m.lockFor(models.CollectionPolls)
	lock.Lock()
	defer lock.Unlock()

	poll, ok := m.GetPoll(ctx, pollID)
	if !ok {
		return nil, false
	}
	if !poll.Active && poll.EndedAt != nil {
		return poll, true
	}
	poll.End(now)
	if !m.savePoll(ctx, poll) {
		return nil, false
	}
	return poll, true
}

// --- Experience --------------------------------------------------------

// Experience returns a member's XP record, zero-valued when absent.
func (m *Manager) Experience(ctx context.Context, guildID, userID string) models.UserXP {
	record := models.UserXP{GuildID: guildID, UserID: userID}
	doc, ok := m.getRecord(ctx, models.CollectionUserExperience, models.UserXPKey(guildID, userID))
	if !ok {
		return record
	}
	if err := json.Unmarshal(doc, &record); err != nil {
		m.logger.Warn().
			Str("collection", models.CollectionUserExperience).
			Str("key", models.UserXPKey(guildID, userID)).
			Err(err).
			Msg("malformed experience record")
	}
	return record
}

// AddExperience credits delta XP to a member. The coalescing batcher is the
// only writer for a key during its batch window.
func (m *Manager) AddExperience(ctx context.Context, guildID, userID string, delta int64) bool {
	lock := m.lockFor(models.CollectionUserExperience)
	lock.Lock()
	defer lock.Unlock()

	record := m.Experience(ctx, guildID, userID)
	record.XP += delta
	record.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(record)
	if err != nil {
		m.logger.Warn().Str("key", record.Key()).Err(err).Msg("failed to serialize experience record")
		return false
	}
	return m.upsertRecord(ctx, models.CollectionUserExperience, record.Key(), doc)
}

// GuildExperiencePage returns a page of XP records for a guild in key order.
func (m *Manager) GuildExperiencePage(ctx context.Context, guildID string, limit, offset int) []models.UserXP {
	docs := m.listByGuild(ctx, models.CollectionUserExperience, guildID, limit, offset)
	return decodeEach[models.UserXP](m, models.CollectionUserExperience, docs)
}

// GuildLeaderboard returns the top XP holders for a guild, highest first.
func (m *Manager) GuildLeaderboard(ctx context.Context, guildID string, limit int) []models.UserXP {
	docs := m.Read(ctx, models.CollectionUserExperience)
	records := decodeEach[models.UserXP](m, models.CollectionUserExperience, docs)
	filtered := make([]models.UserXP, 0, len(records))
	for _, r := range records {
		if r.GuildID == guildID {
			filtered = append(filtered, r)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].XP != filtered[j].XP {
			return filtered[i].XP > filtered[j].XP
		}
		return filtered[i].UserID < filtered[j].UserID
	})
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}

// --- Credits -----------------------------------------------------------

// CreditAccount returns a user's credit account, zero-balanced when absent.
func (m *Manager) CreditAccount(ctx context.Context, userID string) models.CreditAccount {
	account := models.CreditAccount{UserID: userID}
	doc, ok := m.getRecord(ctx, models.CollectionCoreCredit, userID)
	if !ok {
		return account
	}
	if err := json.Unmarshal(doc, &account); err != nil {
		m.logger.Warn().
			Str("collection", models.CollectionCoreCredit).
			Str("key", userID).
			Err(err).
			Msg("malformed credit account")
	}
	return account
}

// AddCredit credits amount to a user's balance.
func (m *Manager) AddCredit(ctx context.Context, userID string, amount int64) bool {
	lock := m.lockFor(models.CollectionCoreCredit)
	lock.Lock()
	defer lock.Unlock()

	account := m.CreditAccount(ctx, userID)
	account.Add(amount, time.Now())
	return m.saveCredit(ctx, account)
}

// SpendCredit deducts amount, failing with models.ErrInsufficientCredit when
// the balance cannot cover it and a generic error when persistence fails.
// Credits are correctness-critical: callers must check the result.
func (m *Manager) SpendCredit(ctx context.Context, userID string, amount int64) error {
	lock := m.lockFor(models.CollectionCoreCredit)
	lock.Lock()
	defer lock.Unlock()

	account := m.CreditAccount(ctx, userID)
	if err := account.Spend(amount, time.Now()); err != nil {
		return err
	}
	if !m.saveCredit(ctx, account) {
		return errors.New("failed to persist credit spend")
	}
	return nil
}

// saveCredit persists an account. Callers hold the core_credit lock.
func (m *Manager) saveCredit(ctx context.Context, account models.CreditAccount) bool {
	doc, err := json.Marshal(account)
	if err != nil {
		m.logger.Warn().Str("key", account.UserID).Err(err).Msg("failed to serialize credit account")
		return false
	}
	return m.upsertRecord(ctx, models.CollectionCoreCredit, account.UserID, doc)
}

// listByGuild uses the record store's paginated query when available and
// filters the coarse read otherwise.
func (m *Manager) listByGuild(ctx context.Context, collection, guildID string, limit, offset int) map[string]json.RawMessage {
	if m.records != nil {
		docs, err := m.records.ListByGuild(ctx, collection, guildID, limit, offset)
		if err != nil {
			m.logger.Warn().
				Str("collection", collection).
				Str("guild_id", guildID).
				Err(err).
				Msg("guild listing failed, returning empty")
			return map[string]json.RawMessage{}
		}
		return docs
	}

	docs := m.Read(ctx, collection)
	type idDoc struct {
		GuildID string `json:"guild_id"`
	}
	keys := make([]string, 0, len(docs))
	for key, doc := range docs {
		var v idDoc
		if err := json.Unmarshal(doc, &v); err == nil && v.GuildID == guildID {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(keys) {
		return map[string]json.RawMessage{}
	}
	end := offset + limit
	if end > len(keys) {
		end = len(keys)
	}

	page := make(map[string]json.RawMessage, end-offset)
	for _, key := range keys[offset:end] {
		page[key] = docs[key]
	}
	return page
}
