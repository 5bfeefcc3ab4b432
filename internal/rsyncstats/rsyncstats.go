// Package rsyncstats carries the session-ending statistics block
// exchanged between the two roles and returned to the caller of Do.
package rsyncstats

import "fmt"

// TransferStats mirrors the three int64 values tridge rsync reports at
// the end of a session: total bytes read and written over the
// connection, and the aggregate size of the files in the transfer.
type TransferStats struct {
	Read    int64
	Written int64
	Size    int64

	NumTransferredFiles int
	NumMatchedFiles     int
	TotalLiteralSize    int64
	TotalMatchedSize    int64

	// IoErrorBits mirrors the receive side's accumulated rsync.IoError*
	// bits (general/vanished/transfer), surfaced here so a caller of
	// receiver.Transfer.Do can tell a session with skipped files apart
	// from a clean one without reaching into the package internals.
	IoErrorBits int32

	// ExpandedSegments counts the stub directories the receive side
	// requested expansion of this session (spec.md §4.4), plus the
	// initial top-level segment.
	ExpandedSegments int
}

func (s *TransferStats) String() string {
	if s == nil {
		return "<nil stats>"
	}
	return fmt.Sprintf("read=%d written=%d size=%d files=%d matched=%d literal=%d matchedBytes=%d ioErrorBits=%d segments=%d",
		s.Read, s.Written, s.Size, s.NumTransferredFiles, s.NumMatchedFiles, s.TotalLiteralSize, s.TotalMatchedSize, s.IoErrorBits, s.ExpandedSegments)
}
