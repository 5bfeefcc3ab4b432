// Package rsync defines wire constants shared by every package that
// participates in the rsync protocol: the sender, the generator, the
// receiver, the file-list codec, and the two connection front-ends
// (rsyncd and rsyncclient).
package rsync

// ProtocolVersion is the rsync wire protocol version this module
// implements. Protocol 30 introduced the tagged multiplex framing and the
// MD5 strong checksum; earlier protocols (MD4, unmultiplexed) are not
// supported.
const ProtocolVersion = 30

// MinProtocolVersion is the oldest peer protocol version this module will
// interoperate with. A peer announcing an older version fails the
// handshake with a ProtocolError.
const MinProtocolVersion = 30

// Item flag bits, sent alongside a file index by the Generator
// (rsync/rsync.h ITEM_*).
const (
	ItemReportAtime = 1 << iota
	ItemReportChange
	ItemReportSize
	ItemReportTimefail
	ItemReportPerms
	ItemReportOwner
	ItemReportGroup
	ItemReportAcl
	ItemReportXattr
	_
	_
	ItemBasisTypeFollows
	ItemXnameFollows
	ItemIsNew
	ItemLocalChange
	ItemTransfer
)

// IoError bits, or-combined into the session's error word and mirrored
// into the process exit status for compatibility with tridge rsync.
const (
	IoErrorGeneral  = 1 << 0
	IoErrorVanished = 1 << 1
	IoErrorTransfer = 1 << 2
)

// File-list entry flag bits (spec.md §4.3).
const (
	FlistTopDir         = 0x0001
	FlistSameMode       = 0x0002
	FlistExtendedFlags  = 0x0004
	FlistSameUid        = 0x0008
	FlistSameGid        = 0x0010
	FlistSameName       = 0x0020
	FlistLongName       = 0x0040
	FlistSameTime       = 0x0080
	FlistSameRdevMajor  = 0x0100
	FlistUserNameFollows  = 0x0400
	FlistGroupNameFollows = 0x0800
	FlistIoErrorEndlist   = 0x1000
)

// Special file-list index sentinels (spec.md §3).
const (
	IndexDone   = -1
	IndexEOF    = -2
	IndexOffset = -101
)
