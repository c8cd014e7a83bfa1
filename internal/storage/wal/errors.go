package wal

// ============================================================================
// WAL Error Definitions
// Purpose: Define all WAL-related error types
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrCorruptedWAL indicates WAL file is corrupted (cannot parse JSON)
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch indicates checksum mismatch (data corruption or tampering)
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrEmptyWAL indicates WAL file is empty
	ErrEmptyWAL = errors.New("wal: file is empty")

	// ErrWALClosed indicates WAL is closed, cannot perform operation
	ErrWALClosed = errors.New("wal: already closed")

	// ErrSyncFailed indicates fsync failed (critical error)
	ErrSyncFailed = errors.New("wal: sync to disk failed")

	// ErrSequenceGap indicates seq values are not contiguous
	ErrSequenceGap = errors.New("wal: sequence gap")
)

// ChecksumError represents checksum error with detailed information
type ChecksumError struct {
	Seq      uint64 // Sequence number of failed event
	Expected uint32 // Expected checksum
	Actual   uint32 // Stored checksum
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrChecksumMismatch) hold for *ChecksumError.
func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CorruptionError represents WAL corruption error
type CorruptionError struct {
	Seq    uint64 // Sequence number of the last good event
	Offset int64  // Byte offset in file
	Cause  error  // Underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted entry after seq=%d at offset %d: %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrCorruptedWAL) hold for *CorruptionError.
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedWAL
}

// GapError reports a non-contiguous sequence number.
type GapError struct {
	Prev uint64
	Got  uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("wal: sequence gap after seq=%d (got %d)", e.Prev, e.Got)
}

// Is makes errors.Is(err, ErrSequenceGap) hold for *GapError.
func (e *GapError) Is(target error) bool {
	return target == ErrSequenceGap
}
