package upload

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ChunkWriter appends raw bytes to a session's backing file. It enforces the
// declared size as a hard ceiling and guarantees that after a successful
// Append the physical file length equals the confirmed offset plus the bytes
// written.
type ChunkWriter struct {
	file   *os.File
	size   int64
	offset int64
}

// OpenChunkWriter opens the backing file positioned at the confirmed offset.
//
// A physical length longer than the confirmed offset means a crash landed
// between a chunk write and its offset update; the tail is unconfirmed and is
// truncated away. A physical length shorter than the offset is corruption we
// cannot repair.
func OpenChunkWriter(path string, size, confirmedOffset int64) (*ChunkWriter, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0o640)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: backing file missing: %s", ErrStorage, path)
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	switch {
	case info.Size() < confirmedOffset:
		_ = file.Close()
		return nil, fmt.Errorf("%w: backing file is %d bytes, confirmed offset is %d",
			ErrStorage, info.Size(), confirmedOffset)
	case info.Size() > confirmedOffset:
		if err := file.Truncate(confirmedOffset); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}
	}

	if _, err := file.Seek(confirmedOffset, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	return &ChunkWriter{file: file, size: size, offset: confirmedOffset}, nil
}

// Offset returns the confirmed offset including bytes written by this writer.
func (w *ChunkWriter) Offset() int64 {
	return w.offset
}

// Append copies chunk bytes onto the end of the backing file.
//
// A read error from the chunk (client disconnect) is not an error here: the
// bytes that made it to disk count, and the client resumes from the new
// offset. A chunk longer than the remaining declared size is rejected with
// nothing retained; a disk write failure rolls the file back to the confirmed
// offset.
func (w *ChunkWriter) Append(chunk io.Reader) (int64, error) {
	remaining := w.size - w.offset

	src := &readTracker{reader: io.LimitReader(chunk, remaining)}
	written, err := io.Copy(w.file, src)
	if err != nil && !src.failed(err) {
		// Write-side failure: drop the partial tail.
		_ = w.file.Truncate(w.offset)
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	if written == remaining {
		// Probe for bytes past the declared size.
		var probe [1]byte
		if n, _ := chunk.Read(probe[:]); n > 0 {
			_ = w.file.Truncate(w.offset)
			if _, err := w.file.Seek(w.offset, io.SeekStart); err != nil {
				return 0, fmt.Errorf("%w: %w", ErrStorage, err)
			}
			return 0, fmt.Errorf("%w: chunk exceeds declared size %d", ErrValidation, w.size)
		}
	}

	if err := w.file.Sync(); err != nil {
		_ = w.file.Truncate(w.offset)
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	w.offset += written
	return written, nil
}

// Close closes the backing file.
func (w *ChunkWriter) Close() error {
	return w.file.Close()
}

// readTracker remembers errors raised by the source so a client disconnect
// can be told apart from a disk failure.
type readTracker struct {
	reader  io.Reader
	readErr error
}

func (t *readTracker) Read(p []byte) (int, error) {
	n, err := t.reader.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		t.readErr = err
	}
	return n, err
}

func (t *readTracker) failed(copyErr error) bool {
	return t.readErr != nil && errors.Is(copyErr, t.readErr)
}
