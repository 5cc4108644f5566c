// Package projects keeps which projects each GitHub user owns and
// enforces the per-user project quota.
//
// Records live in a bbolt bucket and are mirrored in memory. Reads
// only touch the mirror, mutations reach the disk before the mirror.
package projects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/floss-uz-community/funksiyachi/pkg/codec"
	"github.com/hashicorp/go-metrics"
	"go.etcd.io/bbolt"
)

// MaxProjectsPerUser is the quota enforced by [Store.CanUploadProject].
const MaxProjectsPerUser = 10

const userDataBucket = "user_data"

var (
	ErrInvalidCfg  = errors.New("projects: invalid options")
	ErrInvalidName = errors.New("projects: username and project name are required")
	ErrStorage     = errors.New("projects: durable write failed")
)

var (
	MetricUsersLoaded       = []string{"funksiyachi", "projects", "users", "loaded"}
	MetricSkippedRecords    = []string{"funksiyachi", "projects", "records", "skipped", "count"}
	MetricMutationCount     = []string{"funksiyachi", "projects", "mutation", "count"}
	MetricStorageErrorCount = []string{"funksiyachi", "projects", "storage", "error", "count"}
)

// UserData is the stored record of one user.
type UserData struct {
	GitHubUsername string   `cbor:"github_username"`
	Projects       []string `cbor:"projects"`
}

func (u UserData) clone() UserData {
	return UserData{
		GitHubUsername: u.GitHubUsername,
		Projects:       append([]string{}, u.Projects...),
	}
}

// Store is safe for concurrent use.
type Store struct {
	db *bbolt.DB

	users map[string]UserData
	lk    sync.RWMutex

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

// Open opens, or creates, the database at path and loads every record
// in memory. Records that cannot be decoded are skipped.
func Open(path string, opts ...Option) (*Store, error) {
	cfg := &config{openTimeout: defaultOpenTimeout}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}

	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: storage path is required", ErrInvalidCfg)
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: cfg.openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	logger := slog.Default()
	if cfg.logHandler != nil {
		logger = slog.New(cfg.logHandler)
	}

	s := &Store{
		db:     db,
		users:  make(map[string]UserData),
		logger: logger.With("db", db.Path()),
		msink:  cfg.msink,
		labels: cfg.metricLabels,
	}

	if err := s.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(userDataBucket))
		if err != nil {
			return fmt.Errorf("create %s bucket: %w", userDataBucket, err)
		}
		return nil
	})
}

func (s *Store) load() error {
	var skipped int
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(userDataBucket))
		if bucket == nil {
			return fmt.Errorf("%s bucket is missing", userDataBucket)
		}

		return bucket.ForEach(func(k, v []byte) error {
			if !utf8.Valid(k) {
				s.logger.Warn("skipping record with a non UTF-8 key", "key", fmt.Sprintf("%x", k))
				skipped++
				return nil
			}

			var record UserData
			if err := codec.Unmarshal(v, &record); err != nil {
				s.logger.Warn("skipping undecodable record", "username", string(k), "error", err)
				skipped++
				return nil
			}
			s.users[string(k)] = record
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("load user records: %w", err)
	}

	s.msink.SetGaugeWithLabels(MetricUsersLoaded, float32(len(s.users)), s.labels)
	if skipped > 0 {
		s.msink.IncrCounterWithLabels(MetricSkippedRecords, float32(skipped), s.labels)
	}
	s.logger.Debug("loaded user records", "users", len(s.users), "skipped", skipped)
	return nil
}

// CanUploadProject reports whether username may deploy project: either
// they own fewer than [MaxProjectsPerUser] projects, or they already own
// project.
func (s *Store) CanUploadProject(username, project string) bool {
	s.lk.RLock()
	defer s.lk.RUnlock()

	record, ok := s.users[username]
	if !ok {
		return true
	}
	return len(record.Projects) < MaxProjectsPerUser || slices.Contains(record.Projects, project)
}

// AddProject records project as owned by username. Adding a project
// twice is a no-op apart from rewriting the record. The quota is not
// checked, see [Store.CanUploadProject].
func (s *Store) AddProject(ctx context.Context, username, project string) error {
	if err := validateNames(username, project); err != nil {
		return err
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	next := UserData{GitHubUsername: username, Projects: []string{}}
	if record, ok := s.users[username]; ok {
		next = record.clone()
	}
	if !slices.Contains(next.Projects, project) {
		next.Projects = append(next.Projects, project)
	}

	if err := s.commit(ctx, username, next, "add"); err != nil {
		return err
	}

	s.logger.Debug("project added", "username", username, "project", project)
	return nil
}

// RemoveProject forgets project for username. Unknown users and
// projects they do not own are ignored. The record itself is kept, even
// when it has no project left.
func (s *Store) RemoveProject(ctx context.Context, username, project string) error {
	if err := validateNames(username, project); err != nil {
		return err
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	record, ok := s.users[username]
	if !ok || !slices.Contains(record.Projects, project) {
		return nil
	}

	next := record.clone()
	next.Projects = slices.DeleteFunc(next.Projects, func(p string) bool {
		return p == project
	})

	if err := s.commit(ctx, username, next, "remove"); err != nil {
		return err
	}

	s.logger.Debug("project removed", "username", username, "project", project)
	return nil
}

// UserProjects returns a copy of the projects owned by username, ok is
// false when no record exists.
func (s *Store) UserProjects(username string) ([]string, bool) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	record, ok := s.users[username]
	if !ok {
		return nil, false
	}
	return append([]string{}, record.Projects...), true
}

// commit persists record then publishes it in the mirror. The caller
// must hold the write lock.
func (s *Store) commit(ctx context.Context, username string, record UserData, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mLabels := append(append([]metrics.Label{}, s.labels...), metrics.Label{Name: "op", Value: op})

	payload, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal user record: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(userDataBucket))
		if bucket == nil {
			return fmt.Errorf("%s bucket is missing", userDataBucket)
		}
		return bucket.Put([]byte(username), payload)
	})
	if err != nil {
		s.msink.IncrCounterWithLabels(MetricStorageErrorCount, 1.0, mLabels)
		s.logger.Error("could not persist user record", "username", username, "op", op, "error", err)
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	s.users[username] = record
	s.msink.IncrCounterWithLabels(MetricMutationCount, 1.0, mLabels)
	return nil
}

func validateNames(username, project string) error {
	if strings.TrimSpace(username) == "" || strings.TrimSpace(project) == "" {
		return ErrInvalidName
	}
	return nil
}
