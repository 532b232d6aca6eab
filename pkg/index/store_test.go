package index

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"nexusfs/pkg/models"
)

// StoreTestSuite tests the file index store
type StoreTestSuite struct {
	suite.Suite
	store *Store
}

// SetupTest runs before each test
func (s *StoreTestSuite) SetupTest() {
	store, err := NewStore(filepath.Join(s.T().TempDir(), "files.db"))
	s.Require().NoError(err)
	s.store = store
}

// TearDownTest runs after each test
func (s *StoreTestSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *StoreTestSuite) register(owner, filename string, size int64) *models.FileEntry {
	entry := &models.FileEntry{
		Owner:     owner,
		Filename:  filename,
		SizeBytes: size,
		CreatedAt: time.Now(),
	}
	s.Require().NoError(s.store.Register(entry))
	return entry
}

// TestRegisterAndList tests inserting and listing entries
func (s *StoreTestSuite) TestRegisterAndList() {
	s.register("alice", "b.txt", 20)
	s.register("alice", "a.txt", 10)
	s.register("bob", "c.txt", 30)

	entries, err := s.store.List("alice")
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Equal("a.txt", entries[0].Filename)
	s.Equal("b.txt", entries[1].Filename)
	s.Equal(int64(10), entries[0].SizeBytes)
}

// TestRegisterDuplicate tests the per-owner filename uniqueness
func (s *StoreTestSuite) TestRegisterDuplicate() {
	s.register("alice", "a.txt", 10)

	err := s.store.Register(&models.FileEntry{
		Owner: "alice", Filename: "a.txt", SizeBytes: 10, CreatedAt: time.Now(),
	})
	s.ErrorIs(err, ErrDuplicate)

	// Same filename under a different owner is fine.
	s.NoError(s.store.Register(&models.FileEntry{
		Owner: "bob", Filename: "a.txt", SizeBytes: 10, CreatedAt: time.Now(),
	}))
}

// TestDeregister tests entry removal
func (s *StoreTestSuite) TestDeregister() {
	s.register("alice", "a.txt", 10)

	s.NoError(s.store.Deregister("alice", "a.txt"))
	s.ErrorIs(s.store.Deregister("alice", "a.txt"), ErrNotFound)
}

// TestGet tests single entry lookup
func (s *StoreTestSuite) TestGet() {
	s.register("alice", "a.txt", 10)

	entry, err := s.store.Get("alice", "a.txt")
	s.Require().NoError(err)
	s.Equal(int64(10), entry.SizeBytes)

	_, err = s.store.Get("alice", "missing.txt")
	s.ErrorIs(err, ErrNotFound)
}

// TestRename tests filename updates
func (s *StoreTestSuite) TestRename() {
	s.register("alice", "a.txt", 10)
	s.register("alice", "b.txt", 20)

	s.NoError(s.store.Rename("alice", "a.txt", "c.txt"))

	_, err := s.store.Get("alice", "c.txt")
	s.NoError(err)

	s.ErrorIs(s.store.Rename("alice", "missing.txt", "x.txt"), ErrNotFound)
	s.ErrorIs(s.store.Rename("alice", "c.txt", "b.txt"), ErrDuplicate)
}

// TestSetLock tests the locked flag
func (s *StoreTestSuite) TestSetLock() {
	s.register("alice", "a.txt", 10)

	s.NoError(s.store.SetLock("alice", "a.txt", true))

	entry, err := s.store.Get("alice", "a.txt")
	s.Require().NoError(err)
	s.True(entry.Locked)

	s.ErrorIs(s.store.SetLock("alice", "missing.txt", true), ErrNotFound)
}

// TestUsageBytes tests per-owner size totals
func (s *StoreTestSuite) TestUsageBytes() {
	s.register("alice", "a.txt", 10)
	s.register("alice", "b.txt", 20)

	total, err := s.store.UsageBytes("alice")
	s.Require().NoError(err)
	s.Equal(int64(30), total)

	total, err = s.store.UsageBytes("nobody")
	s.Require().NoError(err)
	s.Equal(int64(0), total)
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}
