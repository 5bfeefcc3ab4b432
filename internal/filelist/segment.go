package filelist

import (
	"sort"

	"github.com/relaysync/rsync/internal/rsyncerr"
)

// Segment owns one contiguous range of indices `[dirIndex+1, endIndex]`.
// In recursive mode a Segment is one directory's direct children; in
// non-recursive mode there is a single implicit top segment.
type Segment struct {
	dirIndex int32
	endIndex int32

	members       map[int32]*FileInfo
	stubs         map[int32]*FileInfo // pending subdirectories, by index
	totalFileSize int64
}

// DirIndex is the index just before this segment's first member: the
// file list's last issued index when the segment was created (-1 for the
// implicit top segment).
func (s *Segment) DirIndex() int32 { return s.dirIndex }

// EndIndex is the last index owned by this segment.
func (s *Segment) EndIndex() int32 { return s.endIndex }

// Range returns the half-open-from-dirIndex index range
// [DirIndex()+1, EndIndex()] this segment owns, for callers that need to
// walk every member in order.
func (s *Segment) Range() (start, end int32) { return s.dirIndex + 1, s.endIndex }

// Finished reports whether every member of this segment has been
// processed (consumed via Take).
func (s *Segment) Finished() bool { return len(s.members) == 0 }

// Get returns the file at index i without removing it.
func (s *Segment) Get(i int32) (*FileInfo, bool) {
	f, ok := s.members[i]
	return f, ok
}

// Take removes and returns the file at index i.
func (s *Segment) Take(i int32) (*FileInfo, bool) {
	f, ok := s.members[i]
	if ok {
		delete(s.members, i)
	}
	return f, ok
}

func (s *Segment) TotalFileSize() int64 { return s.totalFileSize }

// Filelist is an ordered sequence of Segments, sharing one global,
// monotonically increasing index space.
type Filelist struct {
	segments     []*Segment
	nextDirIndex int32
	recursive    bool
}

func New(recursive bool) *Filelist {
	return &Filelist{recursive: recursive, nextDirIndex: -1}
}

// NewSegment installs files (already sorted per Compare, with duplicates
// pruned by the caller) as a fresh Segment expanding the directory at
// dirIndex (-1 for the top segment). It assigns indices starting at
// nextDirIndex+1 and records nextDirIndex as the segment's own DirIndex,
// extracts non-"." directories into the stub map when recursive, and
// aggregates totalFileSize over regular files and symlinks.
//
// Segments are requested for expansion depth-first (spec.md §4.4/§4.7),
// but every new segment's indices follow all indices issued before it,
// so ordering segments by their own DirIndex keeps GetSegmentWith's
// binary search over segment start indices valid regardless of
// expansion order.
func (fl *Filelist) NewSegment(dirIndex int32, files []*FileInfo) *Segment {
	start := fl.nextDirIndex + 1
	seg := &Segment{
		dirIndex: fl.nextDirIndex,
		members:  make(map[int32]*FileInfo, len(files)),
		stubs:    make(map[int32]*FileInfo),
	}
	idx := start
	for _, f := range files {
		seg.members[idx] = f
		if f.IsRegular() || f.IsSymlink() {
			seg.totalFileSize += f.Size
		}
		if fl.recursive && f.IsDir() && f.Name != dotName {
			seg.stubs[idx] = f
		}
		idx++
	}
	seg.endIndex = idx - 1
	fl.nextDirIndex = seg.endIndex

	pos := sort.Search(len(fl.segments), func(i int) bool {
		return fl.segments[i].dirIndex >= seg.dirIndex
	})
	fl.segments = append(fl.segments, nil)
	copy(fl.segments[pos+1:], fl.segments[pos:])
	fl.segments[pos] = seg
	return seg
}

// GetSegmentWith locates the segment owning index via binary search over
// segment start indices, then confirms membership. Returns nil if the
// index belongs to no live segment (already finished, or never issued).
func (fl *Filelist) GetSegmentWith(index int32) *Segment {
	n := sort.Search(len(fl.segments), func(i int) bool {
		return fl.segments[i].dirIndex >= index
	})
	// n is the first segment whose dirIndex >= index; the owning segment,
	// if any, is the one before that (dirIndex < index <= endIndex).
	for _, i := range []int{n - 1, n} {
		if i < 0 || i >= len(fl.segments) {
			continue
		}
		seg := fl.segments[i]
		if index > seg.dirIndex && index <= seg.endIndex {
			if _, ok := seg.members[index]; ok {
				return seg
			}
			return seg // present in range even if already Taken
		}
	}
	return nil
}

// GetStubDirectoryOrNull removes and returns the pending stub at index i
// from whichever segment owns it, for OFFSET-style expansion requests.
// An out-of-range lookup means the peer violated protocol: the caller's
// wire index did not correspond to any stub this side ever sent.
func (fl *Filelist) GetStubDirectoryOrNull(i int32) (*FileInfo, error) {
	seg := fl.GetSegmentWith(i)
	if seg == nil {
		return nil, rsyncerr.Internalf("stub directory lookup miss for index %d", i)
	}
	f, ok := seg.stubs[i]
	if !ok {
		return nil, rsyncerr.Internalf("index %d is not a pending stub directory", i)
	}
	delete(seg.stubs, i)
	return f, nil
}

// Expandable reports whether any segment still has a pending stub.
func (fl *Filelist) Expandable() bool {
	for _, seg := range fl.segments {
		if len(seg.stubs) > 0 {
			return true
		}
	}
	return false
}

func (fl *Filelist) NextIndex() int32 { return fl.nextDirIndex }

// All returns every FileInfo across every segment, in segment/member
// order, for callers (deletion sweep, stats) that need the whole list
// rather than per-segment access.
func (fl *Filelist) All() []*FileInfo {
	var out []*FileInfo
	for _, seg := range fl.segments {
		for i := seg.dirIndex + 1; i <= seg.endIndex; i++ {
			if f, ok := seg.members[i]; ok {
				out = append(out, f)
			}
		}
	}
	return out
}
