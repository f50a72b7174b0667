package wal

import (
	"github.com/ChuLiYu/geo-sampler/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for the result log
// ============================================================================

// Record represents one appended Result in the log
type Record struct {
	Seq       uint64       `json:"seq"`       // Record sequence number (monotonically increasing)
	Timestamp int64        `json:"timestamp"` // Unix millisecond append time
	Result    types.Result `json:"result"`    // The appended result, never edited afterwards
	Checksum  uint32       `json:"checksum"`  // CRC32 checksum over seq + result
}

// RecordHandler is the function type for processing records
// Used during Replay to rebuild the ordered result list
type RecordHandler func(rec Record) error
