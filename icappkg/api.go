// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package icappkg implements the client-side capability management engine of
// a distributed network filesystem client. Each metadata server (MDS) session
// grants per-inode capability bitmasks that authorize classes of local
// operations (read, cache, write, buffer, exclusive metadata changes). The
// engine tracks those grants per (inode, session), hands references to file
// operations, revokes under server pressure, flushes dirty metadata with
// totally ordered flush tids, and reconciles cap migration across session
// failover (export/import).
//
// The on-wire transport, the VFS-level cache, page writeback, and snapshot
// realm management are external collaborators reached through the Callbacks
// interface supplied to Start().
//
package icappkg

import (
	"github.com/NVIDIA/proxyfs/conf"
)

// Capability bits. One uint64 bitmask describes, per inode, the rights one
// session has granted. The File* bits only apply to regular files except
// where noted; directories use the Shared/Excl bits plus CapBitDirOps.
//
const (
	CapBitPin uint64 = 1 << 0 // may keep the inode cached at all

	CapBitAuthShared uint64 = 1 << 2 // may cache owner/mode
	CapBitAuthExcl   uint64 = 1 << 3 // may locally change owner/mode

	CapBitLinkShared uint64 = 1 << 4 // may cache link count
	CapBitLinkExcl   uint64 = 1 << 5 // may locally change link count

	CapBitXattrShared uint64 = 1 << 6 // may cache xattrs
	CapBitXattrExcl   uint64 = 1 << 7 // may locally change xattrs

	CapBitFileShared uint64 = 1 << 8  // may cache file/dir metadata
	CapBitFileExcl   uint64 = 1 << 9  // may locally change size/mtime
	CapBitFileCache  uint64 = 1 << 10 // may cache file data
	CapBitFileRd     uint64 = 1 << 11 // may read file data
	CapBitFileWr     uint64 = 1 << 12 // may write file data (within MaxSize)
	CapBitFileBuffer uint64 = 1 << 13 // may buffer writes locally
	CapBitDirOps     uint64 = 1 << 14 // may perform async directory mutations
)

// Common combinations of the capability bits.
//
const (
	CapMaskAnyShared = CapBitAuthShared | CapBitLinkShared | CapBitXattrShared | CapBitFileShared
	CapMaskAnyExcl   = CapBitAuthExcl | CapBitLinkExcl | CapBitXattrExcl | CapBitFileExcl
	CapMaskAnyRd     = CapMaskAnyShared | CapBitFileRd | CapBitFileCache
	CapMaskAnyFileRd = CapBitFileRd | CapBitFileCache
	CapMaskAnyFileWr = CapBitFileWr | CapBitFileBuffer | CapBitFileExcl | CapBitDirOps
	CapMaskAnyWr     = CapMaskAnyExcl | CapMaskAnyFileWr
	CapMaskAny       = CapBitPin | CapMaskAnyRd | CapMaskAnyWr | CapBitFileShared
)

// Open-mode values accepted by OpenHandle()/CloseHandle(). An open handle
// keeps the corresponding capability bits wanted; wants from recently closed
// handles decay on the CapsWantedDelayMin/Max schedule.
//
const (
	OpenModePin uint8 = 0
	OpenModeRd  uint8 = 1
	OpenModeWr  uint8 = 2
)

// Callbacks is implemented by the embedding client to receive the engine's
// outbound side effects. SendCapMessage is invoked with no engine locks held
// and must preserve per-session ordering; the cache callbacks must not call
// back into this package synchronously.
//
type Callbacks interface {
	SendCapMessage(sessionID uint64, msgBuf []byte) (err error)
	NoteFirstDirty(inodeNumber uint64)
	QueueWriteback(inodeNumber uint64)
	TryInvalidateCache(inodeNumber uint64) (invalidated bool)
	QueueInvalidate(inodeNumber uint64)
}

// SnapContext is an opaque reference-counted handle onto the snapshot
// subsystem's context object. The engine only retains/releases references
// and compares identity.
//
type SnapContext struct {
	Seq      uint64
	refCount int64
}

// NewSnapContext returns a SnapContext holding one reference.
//
func NewSnapContext(seq uint64) (snapContext *SnapContext) {
	snapContext = newSnapContext(seq)
	return
}

// Hold takes an additional reference on snapContext.
//
func (snapContext *SnapContext) Hold() {
	snapContext.hold()
}

// Release drops one reference on snapContext.
//
func (snapContext *SnapContext) Release() {
	snapContext.release()
}

// RefCount returns the current reference count (used by tests and by the
// snapshot subsystem's leak checks).
//
func (snapContext *SnapContext) RefCount() (refCount int64) {
	refCount = snapContext.refcount()
	return
}

// Start is called to begin management of capabilities
//
func Start(confMap conf.ConfMap, callbacks Callbacks) (err error) {
	err = start(confMap, callbacks)
	return
}

// Stop is called to stop management of capabilities
//
func Stop() (err error) {
	err = stop()
	return
}

// Signal is called to rotate the log and dump accumulated stats
//
func Signal() (err error) {
	err = signal()
	return
}

// RegisterSession declares a new MDS session. Caps cannot be granted by a
// session that has not been registered.
//
func RegisterSession(sessionID uint64) (err error) {
	err = registerSession(sessionID)
	return
}

// RenewSession advances sessionID's staleness deadline and, if the session
// had gone stale, bumps its generation so that subsequently granted caps
// are distinguishable from pre-stale ones. Outstanding flushes are re-sent
// ("kicked") after a generation bump.
//
func RenewSession(sessionID uint64) (err error) {
	err = renewSession(sessionID)
	return
}

// InvalidateSession marks sessionID stale immediately. Caps granted under
// the old generation stop contributing to issued/used computations.
//
func InvalidateSession(sessionID uint64) (err error) {
	err = invalidateSession(sessionID)
	return
}

// SetSessionReadOnly marks sessionID (in)capable of accepting metadata
// writes. Cap acquisition for write on a read-only session fails fast.
//
func SetSessionReadOnly(sessionID uint64, readOnly bool) (err error) {
	err = setSessionReadOnly(sessionID, readOnly)
	return
}

// UnregisterSession forcibly tears down sessionID. All of its caps are
// removed; inodes left with dirty or flushing state have that state
// discarded and a sticky error recorded (fail-fast: the authoritative
// server is gone).
//
func UnregisterSession(sessionID uint64) (err error) {
	err = unregisterSession(sessionID)
	return
}

// HandleCapMessage is the inbound dispatch entry point: msgBuf is one cap
// message as received from sessionID's transport.
//
func HandleCapMessage(sessionID uint64, msgBuf []byte) (err error) {
	err = handleCapMessage(sessionID, msgBuf)
	return
}

// TryGetCaps attempts to take references on need|want capability bits for
// inodeNumber without blocking. On success, got is the mask actually
// referenced (at least need). Transient failures are reported via errno
// (blunder) sentinels: EAGAIN (caps not currently issued), EFBIG (endOff
// beyond the granted max size; the engine has asked for a larger extent),
// ETIMEDOUT (stale session; renew and retry). Structural failures (EROFS,
// ENOENT) are final.
//
func TryGetCaps(inodeNumber uint64, need uint64, want uint64, endOff uint64) (got uint64, err error) {
	got, err = tryGetCaps(inodeNumber, need, want, endOff)
	return
}

// GetCaps is the blocking variant of TryGetCaps: it parks the caller until
// the needed caps are granted, retrying internally on the transient
// sentinels. Structural failures are returned as from TryGetCaps.
//
func GetCaps(inodeNumber uint64, need uint64, want uint64, endOff uint64) (got uint64, err error) {
	got, err = getCaps(inodeNumber, need, want, endOff)
	return
}

// PutCapRefs drops references previously taken via TryGetCaps/GetCaps.
// Modes whose reference count just reached zero may trigger a cap
// reconsideration pass and waiter wakeups.
//
func PutCapRefs(inodeNumber uint64, bits uint64) (err error) {
	err = putCapRefsByInodeNumber(inodeNumber, bits)
	return
}

// MarkDirty records locally modified metadata classes (CapBit*Excl bits)
// for inodeNumber. The first dirtying of a clean inode additionally invokes
// Callbacks.NoteFirstDirty exactly once.
//
func MarkDirty(inodeNumber uint64, bits uint64) (err error) {
	err = markDirtyByInodeNumber(inodeNumber, bits)
	return
}

// FlushCaps initiates a flush of inodeNumber's dirty metadata and blocks
// until every flush record outstanding at call time has been acknowledged
// (fsync semantics). The first sticky error encountered while waiting is
// returned.
//
func FlushCaps(inodeNumber uint64) (err error) {
	err = flushCaps(inodeNumber)
	return
}

// MarkSnapDirty captures inodeNumber's current dirty state into a
// snapshot-scoped flush record ("capsnap") tied to snapContext, flushed
// independently of ordinary dirty-cap flushing. The engine holds a
// reference on snapContext until the capsnap is acknowledged or dropped.
//
func MarkSnapDirty(inodeNumber uint64, follows uint64, snapContext *SnapContext) (err error) {
	err = markSnapDirty(inodeNumber, follows, snapContext)
	return
}

// OpenHandle notes an open file handle on inodeNumber in the given mode,
// keeping the corresponding capability bits wanted.
//
func OpenHandle(inodeNumber uint64, openMode uint8) (err error) {
	err = adjustOpenCount(inodeNumber, openMode, +1)
	return
}

// CloseHandle drops a handle noted by OpenHandle. The want decays on the
// configured delay schedule rather than immediately.
//
func CloseHandle(inodeNumber uint64, openMode uint8) (err error) {
	err = adjustOpenCount(inodeNumber, openMode, -1)
	return
}

// NoteCachedPages informs the engine of the cache layer's page population
// for inodeNumber; a non-zero clean count keeps CapBitFileCache in use, a
// non-zero dirty count keeps CapBitFileBuffer in use.
//
func NoteCachedPages(inodeNumber uint64, cleanPageCount uint64, dirtyPageCount uint64) (err error) {
	err = noteCachedPages(inodeNumber, cleanPageCount, dirtyPageCount)
	return
}

// SetDirComplete records whether the cache layer holds a complete listing
// of directory inodeNumber, enabling the retain heuristic that avoids
// thrashing the shared/exclusive caps on repeated directory access.
//
func SetDirComplete(inodeNumber uint64, complete bool) (err error) {
	err = setDirComplete(inodeNumber, complete)
	return
}

// LogInfof is simply a wrapper around the non-public logInfof() func
//
func LogInfof(format string, args ...interface{}) {
	logInfof(format, args...)
}

// LogWarnf is simply a wrapper around the non-public logWarnf() func
//
func LogWarnf(format string, args ...interface{}) {
	logWarnf(format, args...)
}
