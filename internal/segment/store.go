// Package segment implements the on-disk WAL segment store described
// in SPEC_FULL.md §1: files named "TIMELINE-SEGNO", optionally with a
// ".partial" suffix while the segment is still being written, plus
// optional cold archival of closed segments to S3.
package segment

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store owns one timeline's segment files under a data directory.
type Store struct {
	dataDir    string
	timeline   uint32
	walSegSize uint64
}

// New returns a Store rooted at dataDir for the given timeline.
func New(dataDir string, timeline uint32, walSegSize uint64) *Store {
	return &Store{dataDir: dataDir, timeline: timeline, walSegSize: walSegSize}
}

func (s *Store) name(segNo uint64) string {
	return fmt.Sprintf("%08X-%016X", s.timeline, segNo)
}

func (s *Store) partialPath(segNo uint64) string {
	return filepath.Join(s.dataDir, s.name(segNo)+".partial")
}

func (s *Store) finalPath(segNo uint64) string {
	return filepath.Join(s.dataDir, s.name(segNo))
}

// Open opens the segment holding segNo for reading, trying the
// ".partial" name first and falling back to the finalized name, per
// SPEC_FULL.md §4.5 "Open the current segment file by (timeline,
// segno). Try <name>.partial first, then <name>."
func (s *Store) Open(segNo uint64) (*os.File, error) {
	f, err := os.Open(s.partialPath(segNo))
	if err == nil {
		return f, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	f, err = os.Open(s.finalPath(segNo))
	if err != nil {
		return nil, fmt.Errorf("segment: neither %s nor %s exist: %w", s.partialPath(segNo), s.finalPath(segNo), err)
	}
	return f, nil
}

// Writer appends received WAL bytes to the current partial segment,
// creating it on first write and rotating to the next segment when
// the write would cross a segment boundary.
type Writer struct {
	store  *Store
	segNo  uint64
	offset uint64
	file   *os.File
}

// NewWriter opens (creating if needed) the partial segment containing
// startOffset for appending.
func NewWriter(store *Store, segNo uint64, startOffset uint64) (*Writer, error) {
	if err := os.MkdirAll(store.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("segment: mkdir %s: %w", store.dataDir, err)
	}
	f, err := os.OpenFile(store.partialPath(segNo), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: open partial segment: %w", err)
	}
	if _, err := f.Seek(int64(startOffset), 0); err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{store: store, segNo: segNo, offset: startOffset, file: f}, nil
}

// Write appends data starting at the writer's current offset,
// rotating to a new partial segment file whenever the write reaches or
// crosses the configured segment size.
func (w *Writer) Write(data []byte) (rotated []uint64, err error) {
	for len(data) > 0 {
		remaining := w.store.walSegSize - (w.offset % w.store.walSegSize)
		chunk := data
		crossing := false
		if uint64(len(chunk)) >= remaining {
			chunk = data[:remaining]
			crossing = true
		}
		if _, err := w.file.Write(chunk); err != nil {
			return rotated, fmt.Errorf("segment: write: %w", err)
		}
		w.offset += uint64(len(chunk))
		data = data[len(chunk):]
		if crossing {
			closedSegNo := w.segNo
			if err := w.rotate(); err != nil {
				return rotated, err
			}
			rotated = append(rotated, closedSegNo)
		}
	}
	return rotated, nil
}

// rotate closes and finalizes the current (now-complete) segment file
// and opens the next one as a fresh partial segment.
func (w *Writer) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.store.partialPath(w.segNo), w.store.finalPath(w.segNo)); err != nil {
		return fmt.Errorf("segment: finalize rotated segment %d: %w", w.segNo, err)
	}
	w.segNo++
	f, err := os.OpenFile(w.store.partialPath(w.segNo), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("segment: open rotated segment: %w", err)
	}
	w.file = f
	return nil
}

// FinalPath returns the on-disk path a finalized segment will have.
func (s *Store) FinalPath(segNo uint64) string {
	return s.finalPath(segNo)
}

// Finalize closes the current partial segment and renames it to its
// final (non-partial) name, signalling the segment is complete and
// ready for archival.
func (w *Writer) Finalize() (closedSegNo uint64, finalPath string, err error) {
	segNo := w.segNo
	if err := w.file.Close(); err != nil {
		return 0, "", err
	}
	final := w.store.finalPath(segNo)
	if err := os.Rename(w.store.partialPath(segNo), final); err != nil {
		return 0, "", fmt.Errorf("segment: finalize %d: %w", segNo, err)
	}
	return segNo, final, nil
}

// Close releases the writer's open file without finalizing it.
func (w *Writer) Close() error {
	return w.file.Close()
}
