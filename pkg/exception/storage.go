package exception

import "github.com/yanun0323/errors"

// WAL errors
var (
	ErrWALClosed         = errors.New("wal: manager closed")
	ErrWALNotStarted     = errors.New("wal: manager not started")
	ErrWALAlreadyStarted = errors.New("wal: manager already started")
	ErrWALSegmentCorrupt = errors.New("wal: segment corrupt")
)

// WAL record errors
var (
	ErrWALInvalidMagic     = errors.New("wal: invalid record magic")
	ErrWALRecordVersion    = errors.New("wal: unsupported record version")
	ErrWALRecordHeaderSize = errors.New("wal: invalid record header size")
	ErrWALChecksumMismatch = errors.New("wal: record checksum mismatch")
	ErrWALPayloadTooLarge  = errors.New("wal: record payload too large")
)

// Checkpoint errors
var (
	ErrCheckpointVersion  = errors.New("checkpoint: unsupported checkpoint version")
	ErrCheckpointSymbol   = errors.New("checkpoint: symbol mismatch")
	ErrCheckpointCorrupt  = errors.New("checkpoint: corrupt file")
	ErrCheckpointInFlight = errors.New("checkpoint: persistence already in flight")
	ErrNoCheckpoint       = errors.New("checkpoint: no checkpoint found")
)

// Manifest errors
var (
	ErrLockTimeout = errors.New("manifest: lock acquisition timed out")
)
