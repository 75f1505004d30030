package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const segmentsDirName = "segments"

// segment is one append-only file of length-prefixed record frames.
// Sealed segments are never written again; the last segment is active.
type segment struct {
	name     string
	path     string
	file     *os.File
	firstSeq uint64
	size     int64
	sealed   bool
}

func segmentFileName(firstSeq uint64) string {
	return fmt.Sprintf("%016d.log", firstSeq)
}

// createSegment opens a fresh active segment whose first record will be
// firstSeq, then fsyncs the segments directory so the create is durable.
func createSegment(dir string, firstSeq uint64) (*segment, error) {
	name := segmentFileName(firstSeq)
	path := filepath.Join(dir, segmentsDirName, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", name, err)
	}
	if err := syncDir(filepath.Join(dir, segmentsDirName)); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{name: name, path: path, file: f, firstSeq: firstSeq}, nil
}

// openSegment opens an existing segment for reading (and appending, when
// it is the active one).
func openSegment(dir, name string, firstSeq uint64) (*segment, error) {
	path := filepath.Join(dir, segmentsDirName, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", name, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat segment %s: %w", name, err)
	}
	return &segment{name: name, path: path, file: f, firstSeq: firstSeq, size: st.Size()}, nil
}

// appendFrame writes one length-prefixed frame and fsyncs. On a short
// write the segment is truncated back so no partial record survives an
// otherwise healthy process.
func (s *segment) appendFrame(frame []byte) (offset int64, err error) {
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(frame)))

	offset = s.size
	buf := make([]byte, 0, 4+len(frame))
	buf = append(buf, lenPrefix[:]...)
	buf = append(buf, frame...)

	n, err := s.file.WriteAt(buf, offset)
	if err != nil {
		if n > 0 {
			_ = s.file.Truncate(offset)
		}
		return 0, fmt.Errorf("append to %s: %w", s.name, err)
	}
	if err := s.file.Sync(); err != nil {
		_ = s.file.Truncate(offset)
		return 0, fmt.Errorf("sync %s: %w", s.name, err)
	}
	s.size += int64(len(buf))
	return offset, nil
}

// readFrameAt reads the length-prefixed frame at offset via pread, so
// concurrent readers never disturb the writer.
func (s *segment) readFrameAt(offset int64) ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := s.file.ReadAt(lenPrefix[:], offset); err != nil {
		return nil, fmt.Errorf("read frame length in %s: %w", s.name, err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n == 0 || n > 4*maxFieldLen {
		return nil, fmt.Errorf("implausible frame length %d in %s", n, s.name)
	}
	frame := make([]byte, n)
	if _, err := s.file.ReadAt(frame, offset+4); err != nil {
		return nil, fmt.Errorf("read frame in %s: %w", s.name, err)
	}
	return frame, nil
}

// seal fsyncs and closes out the active segment, returning the SHA-256 of
// its full contents for the manifest entry.
func (s *segment) seal() (string, error) {
	if err := s.file.Sync(); err != nil {
		return "", fmt.Errorf("sync %s before seal: %w", s.name, err)
	}
	h := sha256.New()
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind %s: %w", s.name, err)
	}
	if _, err := io.Copy(h, s.file); err != nil {
		return "", fmt.Errorf("hash %s: %w", s.name, err)
	}
	s.sealed = true
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *segment) close() error {
	return s.file.Close()
}
