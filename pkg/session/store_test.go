package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"nexusfs/pkg/models"
)

// StoreTestSuite tests the session store
type StoreTestSuite struct {
	suite.Suite
	store *Store
}

// SetupTest runs before each test
func (s *StoreTestSuite) SetupTest() {
	store, err := NewStore(filepath.Join(s.T().TempDir(), "sessions.db"))
	s.Require().NoError(err)
	s.store = store
}

// TearDownTest runs after each test
func (s *StoreTestSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *StoreTestSuite) newSession(fingerprint string) *models.UploadSession {
	return &models.UploadSession{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		Owner:       "alice",
		Size:        100,
		Filename:    "report.pdf",
		ContentType: "application/pdf",
		Metadata:    map[string]string{"filename": "report.pdf"},
	}
}

// TestCreateAndGet tests round-tripping a session record
func (s *StoreTestSuite) TestCreateAndGet() {
	sess := s.newSession("report.pdf-100")
	s.Require().NoError(s.store.Create(sess))

	got, err := s.store.Get(sess.ID)
	s.Require().NoError(err)
	s.Equal(sess.ID, got.ID)
	s.Equal("alice", got.Owner)
	s.Equal(int64(100), got.Size)
	s.Equal(int64(0), got.Offset)
	s.Equal(models.StatusActive, got.Status)
	s.Equal(models.BackendLocal, got.Backend)
	s.Equal("report.pdf", got.Metadata["filename"])
}

// TestGetNotFound tests lookup of an unknown session
func (s *StoreTestSuite) TestGetNotFound() {
	_, err := s.store.Get("no-such-id")
	s.ErrorIs(err, ErrNotFound)
}

// TestDuplicateActiveRejected tests the single-active-session constraint
func (s *StoreTestSuite) TestDuplicateActiveRejected() {
	s.Require().NoError(s.store.Create(s.newSession("report.pdf-100")))

	err := s.store.Create(s.newSession("report.pdf-100"))
	s.ErrorIs(err, ErrDuplicateActive)
}

// TestDuplicateAllowedAfterAbort tests that terminal sessions free the fingerprint
func (s *StoreTestSuite) TestDuplicateAllowedAfterAbort() {
	first := s.newSession("report.pdf-100")
	s.Require().NoError(s.store.Create(first))
	s.Require().NoError(s.store.Transition(first.ID, models.StatusActive, models.StatusAborted))

	s.NoError(s.store.Create(s.newSession("report.pdf-100")))
}

// TestGetActiveByFingerprint tests resume lookup
func (s *StoreTestSuite) TestGetActiveByFingerprint() {
	sess := s.newSession("report.pdf-100")
	s.Require().NoError(s.store.Create(sess))

	got, err := s.store.GetActiveByFingerprint("report.pdf-100", "alice")
	s.Require().NoError(err)
	s.Equal(sess.ID, got.ID)

	_, err = s.store.GetActiveByFingerprint("report.pdf-100", "bob")
	s.ErrorIs(err, ErrNotFound)
}

// TestAdvanceOffset tests the compare-and-swap offset update
func (s *StoreTestSuite) TestAdvanceOffset() {
	sess := s.newSession("report.pdf-100")
	s.Require().NoError(s.store.Create(sess))

	s.Require().NoError(s.store.AdvanceOffset(sess.ID, 0, 60, nil))

	got, err := s.store.Get(sess.ID)
	s.Require().NoError(err)
	s.Equal(int64(60), got.Offset)
}

// TestAdvanceOffsetConflict tests rejection of a mismatched base offset
func (s *StoreTestSuite) TestAdvanceOffsetConflict() {
	sess := s.newSession("report.pdf-100")
	s.Require().NoError(s.store.Create(sess))
	s.Require().NoError(s.store.AdvanceOffset(sess.ID, 0, 60, nil))

	// Replay of the first chunk: base offset is stale now.
	err := s.store.AdvanceOffset(sess.ID, 0, 60, nil)
	s.ErrorIs(err, ErrOffsetConflict)

	got, getErr := s.store.Get(sess.ID)
	s.Require().NoError(getErr)
	s.Equal(int64(60), got.Offset)
}

// TestAdvanceOffsetStoresParts tests cloud part bookkeeping
func (s *StoreTestSuite) TestAdvanceOffsetStoresParts() {
	sess := s.newSession("big.bin-100")
	s.Require().NoError(s.store.Create(sess))

	parts := []models.UploadPart{{Number: 1, ETag: `"abc"`}}
	s.Require().NoError(s.store.AdvanceOffset(sess.ID, 0, 50, parts))

	got, err := s.store.Get(sess.ID)
	s.Require().NoError(err)
	s.Require().Len(got.Parts, 1)
	s.Equal(int32(1), got.Parts[0].Number)
	s.Equal(`"abc"`, got.Parts[0].ETag)
}

// TestResetToLocal tests the cloud-to-local degrade reset
func (s *StoreTestSuite) TestResetToLocal() {
	sess := s.newSession("big.bin-100")
	sess.Backend = models.BackendCloud
	sess.CloudUploadID = "mp-1"
	sess.CloudKey = "transit/alice/big"
	s.Require().NoError(s.store.Create(sess))
	s.Require().NoError(s.store.AdvanceOffset(sess.ID, 0, 50, []models.UploadPart{{Number: 1, ETag: `"abc"`}}))

	s.Require().NoError(s.store.ResetToLocal(sess.ID))

	got, err := s.store.Get(sess.ID)
	s.Require().NoError(err)
	s.Equal(models.BackendLocal, got.Backend)
	s.Equal(int64(0), got.Offset)
	s.Empty(got.CloudUploadID)
	s.Empty(got.Parts)
	s.Equal(models.StatusActive, got.Status)
}

// TestMarkMaterialized tests recording a cloud session whose bytes went local
func (s *StoreTestSuite) TestMarkMaterialized() {
	sess := s.newSession("big.bin-100")
	sess.Backend = models.BackendCloud
	sess.CloudUploadID = "mp-1"
	sess.CloudKey = "transit/alice/big"
	s.Require().NoError(s.store.Create(sess))
	s.Require().NoError(s.store.AdvanceOffset(sess.ID, 0, 100, []models.UploadPart{{Number: 1, ETag: `"abc"`}}))

	s.Require().NoError(s.store.MarkMaterialized(sess.ID))

	got, err := s.store.Get(sess.ID)
	s.Require().NoError(err)
	s.Equal(models.BackendLocal, got.Backend)
	s.Empty(got.CloudUploadID)
	s.Empty(got.Parts)
	// Offset is untouched, unlike the degrade reset.
	s.Equal(int64(100), got.Offset)
}

// TestListByStatus tests the status scan used by completion recovery
func (s *StoreTestSuite) TestListByStatus() {
	active := s.newSession("a.pdf-100")
	s.Require().NoError(s.store.Create(active))

	done := s.newSession("b.pdf-100")
	s.Require().NoError(s.store.Create(done))
	s.Require().NoError(s.store.Transition(done.ID, models.StatusActive, models.StatusCompleted))

	completed, err := s.store.ListByStatus(models.StatusCompleted)
	s.Require().NoError(err)
	s.Require().Len(completed, 1)
	s.Equal(done.ID, completed[0].ID)

	actives, err := s.store.ListByStatus(models.StatusActive)
	s.Require().NoError(err)
	s.Require().Len(actives, 1)
	s.Equal(active.ID, actives[0].ID)
}

// TestTransitionImportedOnce tests that the completed->imported gate fires once
func (s *StoreTestSuite) TestTransitionImportedOnce() {
	sess := s.newSession("report.pdf-100")
	s.Require().NoError(s.store.Create(sess))
	s.Require().NoError(s.store.Transition(sess.ID, models.StatusActive, models.StatusCompleted))

	s.NoError(s.store.Transition(sess.ID, models.StatusCompleted, models.StatusImported))

	err := s.store.Transition(sess.ID, models.StatusCompleted, models.StatusImported)
	s.ErrorIs(err, ErrInvalidTransition)
}

// TestTransitionNotFound tests transition of an unknown session
func (s *StoreTestSuite) TestTransitionNotFound() {
	err := s.store.Transition("no-such-id", models.StatusActive, models.StatusCompleted)
	s.ErrorIs(err, ErrNotFound)
}

// TestStale tests the retention cutoff query
func (s *StoreTestSuite) TestStale() {
	old := s.newSession("old.bin-100")
	s.Require().NoError(s.store.Create(old))

	// Nothing is stale yet.
	stale, err := s.store.Stale(time.Now().Add(-time.Hour))
	s.Require().NoError(err)
	s.Empty(stale)

	// With a future cutoff everything not imported qualifies.
	stale, err = s.store.Stale(time.Now().Add(time.Hour))
	s.Require().NoError(err)
	s.Require().Len(stale, 1)
	s.Equal(old.ID, stale[0].ID)

	// Imported sessions are never reported.
	s.Require().NoError(s.store.Transition(old.ID, models.StatusActive, models.StatusCompleted))
	s.Require().NoError(s.store.Transition(old.ID, models.StatusCompleted, models.StatusImported))

	stale, err = s.store.Stale(time.Now().Add(time.Hour))
	s.Require().NoError(err)
	s.Empty(stale)
}

// TestDelete tests removal of a session record
func (s *StoreTestSuite) TestDelete() {
	sess := s.newSession("report.pdf-100")
	s.Require().NoError(s.store.Create(sess))

	s.NoError(s.store.Delete(sess.ID))
	s.ErrorIs(s.store.Delete(sess.ID), ErrNotFound)

	_, err := s.store.Get(sess.ID)
	s.ErrorIs(err, ErrNotFound)
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}
