package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"kvchain/internal/domain"
)

// sequenceBandwidth is how many link ids a single lease reserves. Unused
// ids of a lease are skipped after a restart.
const sequenceBandwidth = 100

// maxConflictRetries bounds how often a snapshot transaction is rerun
// after badger reports a conflicting concurrent write.
const maxConflictRetries = 5

// BadgerRepository implements the Repository interface using BadgerDB.
type BadgerRepository struct {
	db  *badger.DB
	seq *badger.Sequence
	log logrus.FieldLogger

	uniquePredecessor bool
	now               func() time.Time
}

// Option configures a BadgerRepository.
type Option func(*BadgerRepository)

// WithUniquePredecessor makes InsertLink reject a second link claiming the
// same (owner, previous) pair, so concurrent appends cannot fork a chain.
func WithUniquePredecessor(enabled bool) Option {
	return func(r *BadgerRepository) {
		r.uniquePredecessor = enabled
	}
}

// NewBadgerRepository creates and initializes a new BadgerDB repository.
// It opens the database at the specified path.
func NewBadgerRepository(dbPath string, logger logrus.FieldLogger, options ...Option) (*BadgerRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = &badgerLogger{logger.WithField("component", "badgerdb")}

	db, err := badger.Open(opts)
	if err != nil {
		logger.WithError(err).Error("Failed to open BadgerDB")
		return nil, fmt.Errorf("%w: open badger db at %s: %w", domain.ErrStorage, dbPath, err)
	}

	seq, err := db.GetSequence(keyLinkSequence, sequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: lease link sequence: %w", domain.ErrStorage, err)
	}
	logger.Info("BadgerDB opened successfully at path: ", dbPath)

	repo := &BadgerRepository{
		db:  db,
		seq: seq,
		log: logger.WithField("component", "repository"),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, o := range options {
		o(repo)
	}
	return repo, nil
}

// Close releases the id lease and closes the BadgerDB database.
func (r *BadgerRepository) Close() error {
	r.log.Info("Closing BadgerDB...")
	if err := r.seq.Release(); err != nil {
		r.log.WithError(err).Warn("Failed to release link sequence")
	}
	err := r.db.Close()
	if err != nil {
		r.log.WithError(err).Error("Error closing BadgerDB")
		return err
	}
	r.log.Info("BadgerDB closed.")
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStorage, op, err)
}

// --- Links ---

// InsertLink stores link as an immutable row and indexes it by uuid, owner
// and identity in a single transaction.
func (r *BadgerRepository) InsertLink(ctx context.Context, link *domain.ChainLink) error {
	log := r.log.WithFields(logrus.Fields{
		"uuid":     link.UUID,
		"platform": link.Platform,
		"identity": link.Identity,
	})

	next, err := r.seq.Next()
	if err != nil {
		return storageErr("allocate link id", err)
	}
	stored := *link
	stored.ID = next + 1
	stored.UpdatedAt = r.now()

	data, err := json.Marshal(stored)
	if err != nil {
		return storageErr("marshal link", err)
	}
	id := encodeID(stored.ID)

	err = r.db.Update(func(txn *badger.Txn) error {
		uuidKey := linkUUIDKey(stored.UUID)
		if exists, err := keyExists(txn, uuidKey); err != nil {
			return err
		} else if exists {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateUUID, stored.UUID)
		}

		if r.uniquePredecessor {
			prevKey := linkPrevKey(stored.OwnerKey, stored.PreviousID)
			if exists, err := keyExists(txn, prevKey); err != nil {
				return err
			} else if exists {
				return domain.ErrChainForked
			}
			if err := txn.Set(prevKey, id); err != nil {
				return err
			}
		}

		if err := txn.Set(linkIDKey(stored.ID), data); err != nil {
			return err
		}
		if err := txn.Set(uuidKey, id); err != nil {
			return err
		}
		if err := txn.Set(concat(linkOwnerPrefix(stored.OwnerKey), id), nil); err != nil {
			return err
		}
		return txn.Set(concat(linkIdentityPrefix(stored.Platform, stored.Identity), id), nil)
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateUUID) || errors.Is(err, domain.ErrChainForked) {
			log.WithError(err).Warn("Link rejected by store")
			return err
		}
		log.WithError(err).Error("Failed to save link to BadgerDB")
		return storageErr("insert link", err)
	}

	link.ID = stored.ID
	link.UpdatedAt = stored.UpdatedAt
	log.WithField("link_id", link.ID).Info("Link saved successfully")
	return nil
}

func (r *BadgerRepository) FindLinkByID(ctx context.Context, id uint64) (*domain.ChainLink, error) {
	var link *domain.ChainLink
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		link, err = getLink(txn, id)
		return err
	})
	if err != nil {
		return nil, wrapRead("find link by id", err)
	}
	return link, nil
}

func (r *BadgerRepository) FindLinkByUUID(ctx context.Context, linkUUID uuid.UUID) (*domain.ChainLink, error) {
	var link *domain.ChainLink
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(linkUUIDKey(linkUUID))
		if err != nil {
			return err
		}
		idBytes, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		link, err = getLink(txn, decodeID(idBytes))
		return err
	})
	if err != nil {
		return nil, wrapRead("find link by uuid", err)
	}
	return link, nil
}

func (r *BadgerRepository) FindTailLink(ctx context.Context, owner []byte) (*domain.ChainLink, error) {
	var tail *domain.ChainLink
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := linkOwnerPrefix(owner)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(seekLast(prefix))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		key := it.Item().Key()
		var err error
		tail, err = getLink(txn, decodeID(key[len(key)-idLen:]))
		return err
	})
	if err != nil {
		return nil, wrapRead("find tail link", err)
	}
	return tail, nil
}

func (r *BadgerRepository) FindLinksByOwner(ctx context.Context, owner []byte) ([]domain.ChainLink, error) {
	links, err := r.scanLinks(linkOwnerPrefix(owner))
	if err != nil {
		r.log.WithError(err).Error("Failed to retrieve owner links from BadgerDB")
		return nil, wrapRead("find links by owner", err)
	}
	return links, nil
}

func (r *BadgerRepository) FindLinksByIdentity(ctx context.Context, platform, identity string) ([]domain.ChainLink, error) {
	links, err := r.scanLinks(linkIdentityPrefix(platform, identity))
	if err != nil {
		r.log.WithError(err).Error("Failed to retrieve identity links from BadgerDB")
		return nil, wrapRead("find links by identity", err)
	}
	return links, nil
}

func (r *BadgerRepository) SetLinkArchivalReceipt(ctx context.Context, id uint64, receipt string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		link, err := getLink(txn, id)
		if err != nil {
			return err
		}
		link.ArchivalReceipt = receipt
		link.UpdatedAt = r.now()
		data, err := json.Marshal(link)
		if err != nil {
			return err
		}
		return txn.Set(linkIDKey(id), data)
	})
	if err != nil {
		return wrapRead("set link archival receipt", err)
	}
	r.log.WithFields(logrus.Fields{"link_id": id, "receipt": receipt}).Info("Link archival receipt attached")
	return nil
}

// scanLinks loads every link whose index key starts with prefix. Index
// keys end with the 8-byte link id.
func (r *BadgerRepository) scanLinks(prefix []byte) ([]domain.ChainLink, error) {
	var links []domain.ChainLink
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			link, err := getLink(txn, decodeID(key[len(key)-idLen:]))
			if err != nil {
				return err
			}
			links = append(links, *link)
		}
		return nil
	})
	return links, err
}

func getLink(txn *badger.Txn, id uint64) (*domain.ChainLink, error) {
	item, err := txn.Get(linkIDKey(id))
	if err != nil {
		return nil, err
	}
	var link domain.ChainLink
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &link)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal link %d: %w", id, err)
	}
	return &link, nil
}

// --- Snapshots ---

// PatchSnapshot reads the snapshot of the triple, or {} when there is
// none, passes its content to apply and stores the result, all in one
// transaction. A transaction that loses a race with another patch of the
// same snapshot is retried with the fresh content, so apply may run more
// than once.
func (r *BadgerRepository) PatchSnapshot(ctx context.Context, owner []byte, platform, identity string, apply func(content json.RawMessage) (json.RawMessage, error)) (*domain.Snapshot, error) {
	key := snapshotKey(owner, platform, identity)
	log := r.log.WithFields(logrus.Fields{"platform": platform, "identity": identity})

	var (
		snap     *domain.Snapshot
		created  bool
		applyErr error
	)
	patch := func(txn *badger.Txn) error {
		var err error
		created = false
		snap, err = getSnapshot(txn, key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			now := r.now()
			snap = &domain.Snapshot{
				Platform:  platform,
				Identity:  identity,
				OwnerKey:  owner,
				Content:   json.RawMessage("{}"),
				CreatedAt: now,
			}
			created = true
		case err != nil:
			return err
		}

		content, err := apply(snap.Content)
		if err != nil {
			applyErr = err
			return err
		}
		snap.Content = content
		snap.UpdatedAt = r.now()

		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		if created {
			return txn.Set(concat(snapshotIdentityPrefix(platform, identity), owner), nil)
		}
		return nil
	}

	var err error
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		if err = r.db.Update(patch); !errors.Is(err, badger.ErrConflict) {
			break
		}
		log.WithField("attempt", attempt).Warn("Snapshot patch conflicted, retrying")
	}
	if err != nil {
		if applyErr != nil {
			return nil, applyErr
		}
		log.WithError(err).Error("Failed to patch snapshot")
		return nil, storageErr("patch snapshot", err)
	}
	if created {
		log.Info("Snapshot created")
	}
	return snap, nil
}

// SetSnapshotArchivalReceipt updates only the receipt of an existing
// snapshot, leaving its content as currently stored.
func (r *BadgerRepository) SetSnapshotArchivalReceipt(ctx context.Context, owner []byte, platform, identity, receipt string) error {
	key := snapshotKey(owner, platform, identity)
	setReceipt := func(txn *badger.Txn) error {
		snap, err := getSnapshot(txn, key)
		if err != nil {
			return err
		}
		snap.ArchivalReceipt = receipt
		snap.UpdatedAt = r.now()
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	}

	var err error
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		if err = r.db.Update(setReceipt); !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		r.log.WithError(err).Error("Failed to set snapshot archival receipt")
		return wrapRead("set snapshot archival receipt", err)
	}
	r.log.WithFields(logrus.Fields{"platform": platform, "identity": identity, "receipt": receipt}).Info("Snapshot archival receipt attached")
	return nil
}

func (r *BadgerRepository) FindSnapshotsByOwner(ctx context.Context, owner []byte) ([]domain.Snapshot, error) {
	var snaps []domain.Snapshot
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := snapshotOwnerPrefix(owner)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var snap domain.Snapshot
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal snapshot for key %x: %w", it.Item().Key(), err)
			}
			snaps = append(snaps, snap)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("find snapshots by owner", err)
	}
	return snaps, nil
}

func (r *BadgerRepository) FindSnapshotsByIdentity(ctx context.Context, platform, identity string) ([]domain.Snapshot, error) {
	var snaps []domain.Snapshot
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := snapshotIdentityPrefix(platform, identity)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			owner := it.Item().KeyCopy(nil)[len(prefix):]
			snap, err := getSnapshot(txn, snapshotKey(owner, platform, identity))
			if err != nil {
				return err
			}
			snaps = append(snaps, *snap)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("find snapshots by identity", err)
	}
	return snaps, nil
}

func getSnapshot(txn *badger.Txn, key []byte) (*domain.Snapshot, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var snap domain.Snapshot
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &snap)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// --- helpers ---

func keyExists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

// wrapRead maps a missing key to domain.ErrNotFound and anything else to
// domain.ErrStorage.
func wrapRead(op string, err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return storageErr(op, err)
}

// --- BadgerDB Internal Logger ---

// badgerLogger adapts logrus.FieldLogger to Badger's logger interface.
type badgerLogger struct {
	logger logrus.FieldLogger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Errorf(f, v...)
}
func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warningf(f, v...)
}
func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Infof(f, v...)
}
func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debugf(f, v...)
}
