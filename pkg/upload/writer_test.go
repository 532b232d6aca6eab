package upload

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
)

// WriterTestSuite tests the append-only chunk writer
type WriterTestSuite struct {
	suite.Suite
	path string
}

// SetupTest runs before each test
func (s *WriterTestSuite) SetupTest() {
	s.path = filepath.Join(s.T().TempDir(), "backing")
	s.Require().NoError(os.WriteFile(s.path, nil, 0o640))
}

func (s *WriterTestSuite) fileContent() string {
	data, err := os.ReadFile(s.path)
	s.Require().NoError(err)
	return string(data)
}

// TestChainedAppends tests that chained chunks reproduce the byte stream
func (s *WriterTestSuite) TestChainedAppends() {
	writer, err := OpenChunkWriter(s.path, 10, 0)
	s.Require().NoError(err)

	n, err := writer.Append(strings.NewReader("abcdef"))
	s.Require().NoError(err)
	s.Equal(int64(6), n)
	s.Equal(int64(6), writer.Offset())
	s.Require().NoError(writer.Close())

	writer, err = OpenChunkWriter(s.path, 10, 6)
	s.Require().NoError(err)
	n, err = writer.Append(strings.NewReader("ghij"))
	s.Require().NoError(err)
	s.Equal(int64(4), n)
	s.Require().NoError(writer.Close())

	s.Equal("abcdefghij", s.fileContent())
}

// TestTruncatesUnconfirmedTail tests crash recovery of an over-long file
func (s *WriterTestSuite) TestTruncatesUnconfirmedTail() {
	// Simulate a crash after a physical write but before the offset update.
	s.Require().NoError(os.WriteFile(s.path, []byte("abcdefXXXX"), 0o640))

	writer, err := OpenChunkWriter(s.path, 10, 6)
	s.Require().NoError(err)
	defer func() { _ = writer.Close() }()

	// The unconfirmed tail is gone before any new byte lands.
	s.Equal("abcdef", s.fileContent())

	n, err := writer.Append(strings.NewReader("ghij"))
	s.Require().NoError(err)
	s.Equal(int64(4), n)
	s.Equal("abcdefghij", s.fileContent())
}

// TestShortFileIsCorruption tests that a file shorter than the offset fails
func (s *WriterTestSuite) TestShortFileIsCorruption() {
	s.Require().NoError(os.WriteFile(s.path, []byte("abc"), 0o640))

	_, err := OpenChunkWriter(s.path, 10, 6)
	s.ErrorIs(err, ErrStorage)
}

// TestMissingFile tests opening a vanished backing file
func (s *WriterTestSuite) TestMissingFile() {
	_, err := OpenChunkWriter(filepath.Join(s.T().TempDir(), "absent"), 10, 0)
	s.ErrorIs(err, ErrStorage)
}

// TestRejectsWritePastSize tests that oversize chunks mutate nothing
func (s *WriterTestSuite) TestRejectsWritePastSize() {
	writer, err := OpenChunkWriter(s.path, 4, 0)
	s.Require().NoError(err)
	defer func() { _ = writer.Close() }()

	_, err = writer.Append(strings.NewReader("too many bytes"))
	s.ErrorIs(err, ErrValidation)
	s.Equal(int64(0), writer.Offset())
	s.Equal("", s.fileContent())

	// The writer is still usable at the confirmed offset.
	n, err := writer.Append(strings.NewReader("okay"))
	s.Require().NoError(err)
	s.Equal(int64(4), n)
	s.Equal("okay", s.fileContent())
}

// TestExactFit tests a chunk landing exactly on the declared size
func (s *WriterTestSuite) TestExactFit() {
	writer, err := OpenChunkWriter(s.path, 4, 0)
	s.Require().NoError(err)
	defer func() { _ = writer.Close() }()

	n, err := writer.Append(strings.NewReader("full"))
	s.Require().NoError(err)
	s.Equal(int64(4), n)
	s.Equal("full", s.fileContent())
}

func TestWriterTestSuite(t *testing.T) {
	suite.Run(t, new(WriterTestSuite))
}
