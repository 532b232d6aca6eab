package dedup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"
)

// DedupTestSuite tests hash-based hardlink deduplication
type DedupTestSuite struct {
	suite.Suite
	dedup *Deduplicator
	dir   string
}

// SetupTest runs before each test
func (s *DedupTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	dedup, err := New(filepath.Join(s.dir, "dedup.db"), 2)
	s.Require().NoError(err)
	s.dedup = dedup
}

// TearDownTest runs after each test
func (s *DedupTestSuite) TearDownTest() {
	s.NoError(s.dedup.Close())
}

func (s *DedupTestSuite) writeFile(name, content string) string {
	path := filepath.Join(s.dir, name)
	s.Require().NoError(os.MkdirAll(filepath.Dir(path), 0o750))
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o640))
	return path
}

func (s *DedupTestSuite) sameInode(a, b string) bool {
	infoA, err := os.Stat(a)
	s.Require().NoError(err)
	infoB, err := os.Stat(b)
	s.Require().NoError(err)
	return os.SameFile(infoA, infoB)
}

// TestHashFile tests the streamed SHA-256 of known content
func (s *DedupTestSuite) TestHashFile() {
	path := s.writeFile("a.txt", "hello")

	hash, err := HashFile(path)
	s.Require().NoError(err)
	s.Equal("2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", hash)
}

// TestFirstUploadIsCanonical tests that unique content is not linked
func (s *DedupTestSuite) TestFirstUploadIsCanonical() {
	path := s.writeFile("alice/a.txt", "unique content")

	linked, err := s.dedup.Deduplicate(context.Background(), path)
	s.Require().NoError(err)
	s.False(linked)
}

// TestDuplicateCollapsesToHardlink tests that a repeat upload shares the inode
func (s *DedupTestSuite) TestDuplicateCollapsesToHardlink() {
	first := s.writeFile("alice/a.txt", "same bytes")
	second := s.writeFile("bob/b.txt", "same bytes")

	linked, err := s.dedup.Deduplicate(context.Background(), first)
	s.Require().NoError(err)
	s.False(linked)

	linked, err = s.dedup.Deduplicate(context.Background(), second)
	s.Require().NoError(err)
	s.True(linked)
	s.True(s.sameInode(first, second))

	// The staging name used for the link swap is gone.
	_, statErr := os.Stat(second + ".link")
	s.True(os.IsNotExist(statErr))

	// Removing one link must not affect the other copy.
	s.Require().NoError(os.Remove(first))
	data, err := os.ReadFile(second)
	s.Require().NoError(err)
	s.Equal("same bytes", string(data))
}

// TestAlreadyLinkedIsIdempotent tests rerunning dedup on a linked file
func (s *DedupTestSuite) TestAlreadyLinkedIsIdempotent() {
	first := s.writeFile("alice/a.txt", "same bytes")
	second := s.writeFile("bob/b.txt", "same bytes")

	_, err := s.dedup.Deduplicate(context.Background(), first)
	s.Require().NoError(err)
	_, err = s.dedup.Deduplicate(context.Background(), second)
	s.Require().NoError(err)

	linked, err := s.dedup.Deduplicate(context.Background(), second)
	s.Require().NoError(err)
	s.True(linked)
	s.True(s.sameInode(first, second))
}

// TestDifferentContentNotLinked tests that distinct content keeps its own inode
func (s *DedupTestSuite) TestDifferentContentNotLinked() {
	first := s.writeFile("alice/a.txt", "content one")
	second := s.writeFile("bob/b.txt", "content two")

	_, err := s.dedup.Deduplicate(context.Background(), first)
	s.Require().NoError(err)

	linked, err := s.dedup.Deduplicate(context.Background(), second)
	s.Require().NoError(err)
	s.False(linked)
	s.False(s.sameInode(first, second))
}

// TestLinkFailureKeepsDuplicate tests that a failed hardlink never loses the
// duplicate's bytes
func (s *DedupTestSuite) TestLinkFailureKeepsDuplicate() {
	first := s.writeFile("alice/a.txt", "same bytes")
	second := s.writeFile("bob/b.txt", "same bytes")

	_, err := s.dedup.Deduplicate(context.Background(), first)
	s.Require().NoError(err)

	// Occupy the staging name so the link step cannot succeed.
	s.writeFile("bob/b.txt.link/blocker", "x")

	_, err = s.dedup.Deduplicate(context.Background(), second)
	s.Error(err)

	data, readErr := os.ReadFile(second)
	s.Require().NoError(readErr)
	s.Equal("same bytes", string(data))
	s.False(s.sameInode(first, second))
}

// TestHashLocksDoNotAccumulate tests that per-hash locks are dropped after use
func (s *DedupTestSuite) TestHashLocksDoNotAccumulate() {
	first := s.writeFile("alice/a.txt", "same bytes")
	second := s.writeFile("bob/b.txt", "other bytes")

	_, err := s.dedup.Deduplicate(context.Background(), first)
	s.Require().NoError(err)
	_, err = s.dedup.Deduplicate(context.Background(), second)
	s.Require().NoError(err)

	s.dedup.hashLocksMu.Lock()
	remaining := len(s.dedup.hashLocks)
	s.dedup.hashLocksMu.Unlock()
	s.Zero(remaining)
}

// TestCanonicalRepair tests that a vanished canonical path is replaced
func (s *DedupTestSuite) TestCanonicalRepair() {
	first := s.writeFile("alice/a.txt", "same bytes")
	second := s.writeFile("bob/b.txt", "same bytes")
	third := s.writeFile("carol/c.txt", "same bytes")

	_, err := s.dedup.Deduplicate(context.Background(), first)
	s.Require().NoError(err)
	s.Require().NoError(os.Remove(first))

	// Canonical is gone; the next duplicate becomes the new canonical.
	linked, err := s.dedup.Deduplicate(context.Background(), second)
	s.Require().NoError(err)
	s.False(linked)

	linked, err = s.dedup.Deduplicate(context.Background(), third)
	s.Require().NoError(err)
	s.True(linked)
	s.True(s.sameInode(second, third))
}

// TestScanTree tests a full-tree pass over owner directories
func (s *DedupTestSuite) TestScanTree() {
	root := filepath.Join(s.dir, "uploads")
	s.Require().NoError(os.MkdirAll(root, 0o750))
	s.writeFile("uploads/alice/a.txt", "shared payload")
	s.writeFile("uploads/bob/b.txt", "shared payload")
	s.writeFile("uploads/bob/c.txt", "distinct payload")

	stats, err := s.dedup.ScanTree(context.Background(), root)
	s.Require().NoError(err)
	s.Equal(int64(3), stats.Scanned)
	s.Equal(int64(1), stats.Deduplicated)
	s.Equal(int64(len("shared payload")), stats.BytesSaved)
}

// TestScanTreeMissingRoot tests scanning a nonexistent root
func (s *DedupTestSuite) TestScanTreeMissingRoot() {
	stats, err := s.dedup.ScanTree(context.Background(), filepath.Join(s.dir, "absent"))
	s.Require().NoError(err)
	s.Equal(int64(0), stats.Scanned)
}

func TestDedupTestSuite(t *testing.T) {
	suite.Run(t, new(DedupTestSuite))
}
