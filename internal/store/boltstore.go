package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/agentctl/internal/domain"
)

var (
	bucketRepos    = []byte("repos")
	bucketSessions = []byte("sessions")
	bucketEvents   = []byte("events")
)

// BoltStore implements Store using BoltDB, adapting the teacher's
// bucket-per-entity CRUD idiom (pkg/storage/boltdb.go) to
// repositories, sessions and an append-only event log.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt database at
// dataDir/agentctl.db and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "agentctl.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRepos, bucketSessions, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Repository operations ---

func (s *BoltStore) InsertRepo(repo *domain.Repository) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepos)
		data, err := json.Marshal(repo)
		if err != nil {
			return err
		}
		return b.Put([]byte(repo.ID), data)
	})
}

func (s *BoltStore) FindRepoByID(id string) (*domain.Repository, error) {
	var repo domain.Repository
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRepos).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &repo)
	})
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

func (s *BoltStore) FindRepoByOwnerName(owner, name string) (*domain.Repository, error) {
	var found *domain.Repository
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepos).ForEach(func(_, v []byte) error {
			var repo domain.Repository
			if err := json.Unmarshal(v, &repo); err != nil {
				return err
			}
			if repo.Owner == owner && repo.Name == name {
				found = &repo
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) ListReposOrdered() ([]*domain.Repository, error) {
	var repos []*domain.Repository
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepos).ForEach(func(_, v []byte) error {
			var repo domain.Repository
			if err := json.Unmarshal(v, &repo); err != nil {
				return err
			}
			repos = append(repos, &repo)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Ordered by last-activity descending, then by updated descending,
	// per the repo-list snapshot contract (spec.md §4.7).
	sort.Slice(repos, func(i, j int) bool {
		ai, aj := repos[i].LastActivityAt, repos[j].LastActivityAt
		switch {
		case ai != nil && aj != nil && !ai.Equal(*aj):
			return ai.After(*aj)
		case ai != nil && aj == nil:
			return true
		case ai == nil && aj != nil:
			return false
		default:
			return repos[i].UpdatedAt.After(repos[j].UpdatedAt)
		}
	})
	return repos, nil
}

// DeleteRepo deletes repo and, per spec.md §3's cascade-delete
// contract, every session and event belonging to it.
func (s *BoltStore) DeleteRepo(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sessionsBucket := tx.Bucket(bucketSessions)
		eventsBucket := tx.Bucket(bucketEvents)

		var sessionIDs []string
		if err := sessionsBucket.ForEach(func(k, v []byte) error {
			var sess domain.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.RepoID == id {
				sessionIDs = append(sessionIDs, sess.ID)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, sid := range sessionIDs {
			if err := deleteEventsForSession(eventsBucket, sid); err != nil {
				return err
			}
			if err := sessionsBucket.Delete([]byte(sid)); err != nil {
				return err
			}
		}

		return tx.Bucket(bucketRepos).Delete([]byte(id))
	})
}

func deleteEventsForSession(b *bolt.Bucket, sessionID string) error {
	var toDelete [][]byte
	if err := b.ForEach(func(k, v []byte) error {
		var ev domain.Event
		if err := json.Unmarshal(v, &ev); err != nil {
			return err
		}
		if ev.SessionID == sessionID {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		return nil
	}); err != nil {
		return err
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// --- Session operations ---

func (s *BoltStore) InsertSession(session *domain.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putSession(tx.Bucket(bucketSessions), session)
	})
}

func putSession(b *bolt.Bucket, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return b.Put([]byte(session.ID), data)
}

func getSession(b *bolt.Bucket, id string) (*domain.Session, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ApplySessionPatch mutates sess in place according to patch. Shared
// by UpdateSessionFields and InsertEventReturningID so both paths
// apply patches identically.
func ApplySessionPatch(sess *domain.Session, patch domain.SessionPatch) {
	if patch.Status != nil {
		sess.Status = *patch.Status
	}
	if patch.WorktreePath != nil {
		sess.WorktreePath = patch.WorktreePath
	}
	if patch.SandboxHandle != nil {
		sess.SandboxHandle = patch.SandboxHandle
	}
	if patch.FinishedAt != nil {
		sess.FinishedAt = patch.FinishedAt
	}
	if patch.LastEventID != nil {
		sess.LastEventID = patch.LastEventID
	}
	if patch.HeadRevision != nil {
		sess.HeadRevision = *patch.HeadRevision
	}
	if patch.PullRequestURL != nil {
		sess.PullRequestURL = *patch.PullRequestURL
	}
	sess.UpdatedAt = time.Now().UTC()
}

func (s *BoltStore) UpdateSessionFields(id string, patch domain.SessionPatch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		sess, err := getSession(b, id)
		if err != nil {
			return err
		}
		ApplySessionPatch(sess, patch)
		return putSession(b, sess)
	})
}

func (s *BoltStore) FindSessionByID(id string) (*domain.Session, error) {
	var sess *domain.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getSession(tx.Bucket(bucketSessions), id)
		if err != nil {
			return err
		}
		sess = found
		return nil
	})
	return sess, err
}

func (s *BoltStore) ListSessionsByRepo(repoID string) ([]*domain.Session, error) {
	var sessions []*domain.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			var sess domain.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.RepoID == repoID {
				sessions = append(sessions, &sess)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

func (s *BoltStore) ListNonTerminalSessions() ([]*domain.Session, error) {
	var sessions []*domain.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			var sess domain.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if !sess.Status.Terminal() {
				sessions = append(sessions, &sess)
			}
			return nil
		})
	})
	return sessions, err
}

// --- Event operations ---

func eventKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

// InsertEventReturningID appends ev, assigns it the bucket's next
// monotone sequence (bbolt's NextSequence, giving the store-global
// bigserial identifier spec.md §3/I5 requires), and applies
// sessionPatch in the same transaction, touching the owning repo's
// last-activity timestamp. All three writes commit together.
func (s *BoltStore) InsertEventReturningID(ev *domain.Event, sessionPatch domain.SessionPatch) (uint64, error) {
	var assignedID uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		eventsBucket := tx.Bucket(bucketEvents)
		sessionsBucket := tx.Bucket(bucketSessions)
		reposBucket := tx.Bucket(bucketRepos)

		seq, err := eventsBucket.NextSequence()
		if err != nil {
			return err
		}
		assignedID = seq
		ev.ID = seq

		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := eventsBucket.Put(eventKey(seq), data); err != nil {
			return err
		}

		sess, err := getSession(sessionsBucket, ev.SessionID)
		if err != nil {
			return fmt.Errorf("updating session metadata: %w", err)
		}
		patch := sessionPatch
		patch.LastEventID = &assignedID
		ApplySessionPatch(sess, patch)
		if err := putSession(sessionsBucket, sess); err != nil {
			return err
		}

		repoData := reposBucket.Get([]byte(sess.RepoID))
		if repoData == nil {
			return fmt.Errorf("updating repo activity: %w", ErrNotFound)
		}
		var repo domain.Repository
		if err := json.Unmarshal(repoData, &repo); err != nil {
			return err
		}
		now := ev.Timestamp
		repo.LastActivityAt = &now
		repo.UpdatedAt = time.Now().UTC()
		repoOut, err := json.Marshal(&repo)
		if err != nil {
			return err
		}
		return reposBucket.Put([]byte(repo.ID), repoOut)
	})
	if err != nil {
		return 0, err
	}
	return assignedID, nil
}

func (s *BoltStore) ListEventsBySession(sessionID string, filter EventFilter) ([]*domain.Event, error) {
	var events []*domain.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(_, v []byte) error {
			var ev domain.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ev.SessionID != sessionID {
				return nil
			}
			if filter.After != nil && ev.ID <= *filter.After {
				return nil
			}
			if filter.Before != nil && ev.ID >= *filter.Before {
				return nil
			}
			if filter.Source != nil && ev.Source != *filter.Source {
				return nil
			}
			if filter.Kind != nil && ev.Kind != *filter.Kind {
				return nil
			}
			events = append(events, &ev)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(events, func(i, j int) bool {
		if filter.Order == OrderDesc {
			return events[i].ID > events[j].ID
		}
		return events[i].ID < events[j].ID
	})

	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

func (s *BoltStore) RepoCounts(repoID string) (RepoCounts, error) {
	sessions, err := s.ListSessionsByRepo(repoID)
	if err != nil {
		return RepoCounts{}, err
	}
	var counts RepoCounts
	counts.TotalSessions = len(sessions)
	for _, sess := range sessions {
		switch sess.Status {
		case domain.SessionRunning:
			counts.ActiveSessions++
			counts.HasRunning = true
		case domain.SessionWaiting:
			counts.ActiveSessions++
			counts.HasWaiting = true
		case domain.SessionStarting:
			counts.ActiveSessions++
		case domain.SessionError:
			counts.HasError = true
		}
	}
	return counts, nil
}
