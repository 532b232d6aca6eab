package upload

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"nexusfs/pkg/dedup"
	"nexusfs/pkg/index"
	"nexusfs/pkg/owner"
	"nexusfs/pkg/session"
)

// ConcatTestSuite tests partial uploads and final concatenation
type ConcatTestSuite struct {
	suite.Suite
	sessions *session.Store
	idx      *index.Store
	dd       *dedup.Deduplicator
	manager  *Manager
	tempDir  string
	rootDir  string
}

// SetupTest runs before each test
func (s *ConcatTestSuite) SetupTest() {
	dir := s.T().TempDir()
	s.tempDir = filepath.Join(dir, "tus_temp")
	s.rootDir = filepath.Join(dir, "uploads")
	s.Require().NoError(os.MkdirAll(s.tempDir, 0o750))

	sessions, err := session.NewStore(filepath.Join(dir, "tus_metadata.db"))
	s.Require().NoError(err)
	s.sessions = sessions

	idx, err := index.NewStore(filepath.Join(dir, "files.db"))
	s.Require().NoError(err)
	s.idx = idx

	dd, err := dedup.New(filepath.Join(dir, "dedup.db"), 2)
	s.Require().NoError(err)
	s.dd = dd

	finalizer := NewFinalizer(sessions, idx, dd, &owner.DirResolver{Base: s.rootDir}, owner.LogNotifier{}, s.tempDir)
	s.manager = NewManager(sessions, staticAuth{"sec-alice": "alice"}, s.tempDir, finalizer)
}

// TearDownTest runs after each test
func (s *ConcatTestSuite) TearDownTest() {
	s.manager.Stop()
	s.NoError(s.sessions.Close())
	s.NoError(s.idx.Close())
	s.NoError(s.dd.Close())
}

// uploadPartial creates a partial session and optionally fills it completely.
func (s *ConcatTestSuite) uploadPartial(filename, content string, complete bool) string {
	result, err := s.manager.Create(context.Background(), CreateRequest{
		Length:         int64(len(content)),
		MetadataHeader: "credential " + b64("sec-alice") + ",filename " + b64(filename),
		ConcatHeader:   "partial",
	})
	s.Require().NoError(err)

	if complete {
		_, err = s.manager.Append(context.Background(), result.Session.ID, 0, int64(len(content)), strings.NewReader(content))
		s.Require().NoError(err)
		s.manager.Stop()
	}
	return result.Session.ID
}

// TestParseConcat tests Upload-Concat header decoding
func (s *ConcatTestSuite) TestParseConcat() {
	partial, ids, err := ParseConcat("")
	s.Require().NoError(err)
	s.False(partial)
	s.Empty(ids)

	partial, ids, err = ParseConcat("partial")
	s.Require().NoError(err)
	s.True(partial)
	s.Empty(ids)

	partial, ids, err = ParseConcat("final;/api/upload/tus/one /api/upload/tus/two")
	s.Require().NoError(err)
	s.False(partial)
	s.Equal([]string{"one", "two"}, ids)

	_, _, err = ParseConcat("final;")
	s.ErrorIs(err, ErrValidation)

	_, _, err = ParseConcat("bogus")
	s.ErrorIs(err, ErrValidation)
}

// TestFinalConcatenation tests joining completed partials into one file
func (s *ConcatTestSuite) TestFinalConcatenation() {
	one := s.uploadPartial("part-one", "hello ", true)
	two := s.uploadPartial("part-two", "world", true)

	result, err := s.manager.Create(context.Background(), CreateRequest{
		Length:         -1,
		MetadataHeader: "credential " + b64("sec-alice") + ",filename " + b64("joined.txt"),
		ConcatHeader:   "final;/api/upload/tus/" + one + " /api/upload/tus/" + two,
	})
	s.Require().NoError(err)
	s.Equal(int64(11), result.Session.Size)
	s.Equal(result.Session.Size, result.Session.Offset)

	s.manager.Stop()

	data, err := os.ReadFile(filepath.Join(s.rootDir, "alice", "joined.txt"))
	s.Require().NoError(err)
	s.Equal("hello world", string(data))

	// Consumed partials are gone.
	_, err = s.sessions.Get(one)
	s.ErrorIs(err, session.ErrNotFound)
	_, err = s.sessions.Get(two)
	s.ErrorIs(err, session.ErrNotFound)
	_, statErr := os.Stat(TempPath(s.tempDir, one))
	s.True(os.IsNotExist(statErr))
}

// TestPartialsAreNotFinalized tests that completed partials wait for concat
func (s *ConcatTestSuite) TestPartialsAreNotFinalized() {
	id := s.uploadPartial("part-one", "hello ", true)

	sess, err := s.sessions.Get(id)
	s.Require().NoError(err)
	s.True(sess.Partial)

	entries, err := s.idx.List("alice")
	s.Require().NoError(err)
	s.Empty(entries)
}

// TestFinalRejectsIncompletePartial tests validation of unfinished partials
func (s *ConcatTestSuite) TestFinalRejectsIncompletePartial() {
	id := s.uploadPartial("part-one", "hello ", false)

	_, err := s.manager.Create(context.Background(), CreateRequest{
		MetadataHeader: "credential " + b64("sec-alice") + ",filename " + b64("joined.txt"),
		ConcatHeader:   "final;/api/upload/tus/" + id,
	})
	s.ErrorIs(err, ErrValidation)
}

// TestFinalRejectsNonPartial tests that plain uploads cannot be concatenated
func (s *ConcatTestSuite) TestFinalRejectsNonPartial() {
	result, err := s.manager.Create(context.Background(), CreateRequest{
		Length:         5,
		MetadataHeader: "credential " + b64("sec-alice") + ",filename " + b64("plain.txt"),
	})
	s.Require().NoError(err)

	_, err = s.manager.Create(context.Background(), CreateRequest{
		MetadataHeader: "credential " + b64("sec-alice") + ",filename " + b64("joined.txt"),
		ConcatHeader:   "final;/api/upload/tus/" + result.Session.ID,
	})
	s.ErrorIs(err, ErrValidation)
}

// TestFinalRejectsUnknownPartial tests concat over a missing session id
func (s *ConcatTestSuite) TestFinalRejectsUnknownPartial() {
	_, err := s.manager.Create(context.Background(), CreateRequest{
		MetadataHeader: "credential " + b64("sec-alice") + ",filename " + b64("joined.txt"),
		ConcatHeader:   "final;/api/upload/tus/ghost",
	})
	s.ErrorIs(err, ErrValidation)
}

func TestConcatTestSuite(t *testing.T) {
	suite.Run(t, new(ConcatTestSuite))
}
