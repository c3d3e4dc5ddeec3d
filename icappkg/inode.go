// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package icappkg

import (
	"time"

	"github.com/NVIDIA/sortedmap"
)

// seqCmp compares two wrapping sequence numbers (negative if a precedes b).
//
func seqCmp(a uint64, b uint64) (result int64) {
	result = int64(a - b)
	return
}

// lookupCap finds inode's cap from sessionID. Caller holds inode's lock.
//
func lookupCap(inode *inodeStruct, sessionID uint64) (cap *capStruct, ok bool) {
	var (
		err   error
		value sortedmap.Value
	)

	value, ok, err = inode.capSet.GetByKey(sessionID)
	if nil != err {
		logFatalf("inode.capSet.GetByKey(0x%016X) failed: %v", sessionID, err)
	}
	if ok {
		cap = value.(*capStruct)
	}

	return
}

// capIsValid reports whether cap still counts: its generation must match
// its session's and the session's staleness deadline must not have passed.
// Caller holds inode's lock.
//
func capIsValid(cap *capStruct) (valid bool) {
	var (
		gen           uint64
		staleDeadline time.Time
	)

	cap.session.Lock()
	gen = cap.session.gen
	staleDeadline = cap.session.staleDeadline
	cap.session.Unlock()

	valid = (cap.gen == gen) && time.Now().Before(staleDeadline)

	return
}

// addCap records a grant of issued/wanted from session, creating the cap if
// none exists for (inode, session) or merging otherwise. The merge resolves
// the race where a server re-sends a grant whose seq is older than an
// already-processed IMPORT: bits are OR'd, the newer seq/mseq kept, and the
// cap forced auth. Caller holds inode's lock; reservation may be nil.
//
func addCap(inode *inodeStruct, session *sessionStruct, capID uint64, issued uint64, wanted uint64, seq uint64, issueSeq uint64, mseq uint64, isAuth bool, reservation *capReservationStruct) (cap *capStruct) {
	var (
		ok bool
	)

	cap, ok = lookupCap(inode, session.sessionID)

	if ok {
		session.Lock()
		if cap.gen < session.gen {
			// session went stale since this cap was granted
			cap.issued = CapBitPin
			cap.implemented = CapBitPin
		}
		session.capList.MoveToBack(cap.sessionElement)
		session.Unlock()

		if seqCmp(seq, cap.seq) <= 0 {
			// this grant predates a processed IMPORT: merge, never regress
			seq = cap.seq
			issueSeq = cap.issueSeq
			issued |= cap.issued
			isAuth = true
		}
	} else {
		cap = takeCap(reservation)

		cap.inode = inode
		cap.session = session
		cap.sessionID = session.sessionID

		ok, err := inode.capSet.Put(session.sessionID, cap)
		if nil != err {
			logFatalf("inode.capSet.Put(0x%016X,) failed: %v", session.sessionID, err)
		}
		if !ok {
			logFatalf("inode.capSet.Put(0x%016X,) returned !ok", session.sessionID)
		}

		session.Lock()
		cap.sessionElement = session.capList.PushBack(cap)
		session.Unlock()
	}

	if isAuth && ((nil == inode.authCap) || (seqCmp(inode.authCap.mseq, mseq) < 0)) {
		inode.authCap = cap
	}

	if seqCmp(mseq, cap.mseq) > 0 {
		cap.mdsWanted = wanted
	} else {
		cap.mdsWanted |= wanted
	}

	cap.capID = capID
	cap.issued = issued
	cap.implemented |= issued
	cap.seq = seq
	cap.issueSeq = issueSeq
	cap.mseq = mseq
	cap.session.Lock()
	cap.gen = cap.session.gen
	cap.session.Unlock()

	wakeCapWaiters(inode)

	return
}

// removeCap unlinks cap from inode and its session, optionally queueing a
// RELEASE record so the server's view converges, and returns it to the
// pool. Caller holds inode's lock and is responsible for a subsequent
// flushSessionCapReleases()/maybeEvictInode().
//
func removeCap(inode *inodeStruct, cap *capStruct, queueRelease bool) {
	var (
		err     error
		ok      bool
		session *sessionStruct
	)

	session = cap.session

	session.Lock()
	if nil != cap.sessionElement {
		_ = session.capList.Remove(cap.sessionElement)
		cap.sessionElement = nil
	}
	if queueRelease {
		session.releaseList.PushBack(&capReleaseStruct{
			inodeNumber: inode.inodeNumber,
			capID:       cap.capID,
			seq:         cap.seq,
			issueSeq:    cap.issueSeq,
			mseq:        cap.mseq,
		})
	}
	session.Unlock()

	ok, err = inode.capSet.DeleteByKey(cap.sessionID)
	if nil != err {
		logFatalf("inode.capSet.DeleteByKey(0x%016X) failed: %v", cap.sessionID, err)
	}
	if !ok {
		logFatalf("removeCap() could not find cap for session 0x%016X", cap.sessionID)
	}

	if inode.authCap == cap {
		inode.authCap = nil
	}

	cap.inode = nil
	cap.session = nil

	giveCap(cap)
}

// forEachCap visits inode's caps in ascending sessionID order. The visit
// func must not mutate the capSet. Caller holds inode's lock.
//
func forEachCap(inode *inodeStruct, visit func(cap *capStruct) (keepGoing bool)) {
	var (
		err     error
		index   int
		numCaps int
		ok      bool
		value   sortedmap.Value
	)

	numCaps, err = inode.capSet.Len()
	if nil != err {
		logFatalf("inode.capSet.Len() failed: %v", err)
	}

	for index = 0; index < numCaps; index++ {
		_, value, ok, err = inode.capSet.GetByIndex(index)
		if nil != err {
			logFatalf("inode.capSet.GetByIndex(%d) failed: %v", index, err)
		}
		if !ok {
			return
		}
		if !visit(value.(*capStruct)) {
			return
		}
	}
}

// capsIssued unions the valid caps' issued/implemented bits. Bits the auth
// cap is revoking are excluded from the issued union so stale non-auth
// grants cannot keep a bit alive that the authoritative server is taking
// back. Caller holds inode's lock.
//
func capsIssued(inode *inodeStruct) (issued uint64, implemented uint64) {
	issued = 0
	implemented = 0

	forEachCap(inode, func(cap *capStruct) (keepGoing bool) {
		if !capIsValid(cap) {
			keepGoing = true
			return
		}
		issued |= cap.issued
		implemented |= cap.implemented
		keepGoing = true
		return
	})

	if (nil != inode.authCap) && capIsValid(inode.authCap) {
		issued &= ^inode.authCap.implemented | inode.authCap.issued
	}

	return
}

// capsIssuedOtherThan unions issued bits from all valid caps except the
// given one (used to decide whether a revocation can proceed). Caller holds
// inode's lock.
//
func capsIssuedOtherThan(inode *inodeStruct, except *capStruct) (issued uint64) {
	issued = 0

	forEachCap(inode, func(cap *capStruct) (keepGoing bool) {
		if (cap != except) && capIsValid(cap) {
			issued |= cap.issued
		}
		keepGoing = true
		return
	})

	return
}

// capsUsed derives the in-use mask purely from reference counts and the
// cache layer's page population. Caller holds inode's lock.
//
func capsUsed(inode *inodeStruct) (used uint64) {
	used = 0

	if 0 < inode.pinRef {
		used |= CapBitPin
	}
	if 0 < inode.rdRef {
		used |= CapBitFileRd
	}
	if (0 < inode.rdcacheRef) || (0 < inode.cleanPageCount) {
		used |= CapBitFileCache
	}
	if 0 < inode.wrRef {
		used |= CapBitFileWr
	}
	if (0 < inode.wbRef) || (0 < inode.dirtyPageCount) {
		used |= CapBitFileBuffer
	}
	if 0 < inode.exclRef {
		used |= CapBitFileExcl
	}

	return
}

// capsFileWanted computes the time-decayed want mask from open-mode history.
// A mode counts while a handle is open; closed modes decay after
// CapsWantedDelayMax, or after the shorter CapsWantedDelayMin once the
// inode has no open handles at all. Directories want shared bits when
// recently read and (on a writable mount) shared+excl+dir-ops when recently
// written. Caller holds inode's lock.
//
func capsFileWanted(inode *inodeStruct) (wanted uint64) {
	var (
		anyOpen bool
		cutoff  time.Time
		now     time.Time
		wantRd  bool
		wantWr  bool
	)

	now = time.Now()

	anyOpen = 0 != (inode.openCount[OpenModePin] + inode.openCount[OpenModeRd] + inode.openCount[OpenModeWr])

	if anyOpen {
		cutoff = now.Add(-globals.config.CapsWantedDelayMax)
	} else {
		cutoff = now.Add(-globals.config.CapsWantedDelayMin)
	}

	wantRd = (0 < inode.openCount[OpenModeRd]) || inode.lastRead.After(cutoff)
	wantWr = (0 < inode.openCount[OpenModeWr]) || inode.lastWrite.After(cutoff)

	wanted = 0

	if inode.isDir {
		if wantRd {
			wanted |= CapMaskAnyShared
		}
		if wantWr && !globals.config.MountReadOnly {
			wanted |= CapMaskAnyShared | CapBitFileExcl | CapBitDirOps
		}
		return
	}

	if wantRd {
		wanted |= CapBitFileRd | CapBitFileCache
	}
	if wantWr && !globals.config.MountReadOnly {
		wanted |= CapBitFileWr | CapBitFileBuffer
	}
	if 0 != wanted {
		wanted |= CapBitFileShared | CapBitPin
	}

	return
}

// capsWanted is what we actually want the server to know about: the decayed
// file want plus whatever is in use right now, promoting FILE_BUFFER use to
// a FILE_EXCL want (buffered writes need exclusive size/mtime control).
// Caller holds inode's lock.
//
func capsWanted(inode *inodeStruct) (wanted uint64) {
	var (
		used uint64
	)

	used = capsUsed(inode)

	wanted = capsFileWanted(inode) | used

	if !inode.isDir && (0 != (used & CapBitFileBuffer)) {
		wanted |= CapBitFileExcl
	}
	if inode.isDir && (0 != (wanted & CapBitDirOps)) {
		wanted |= CapBitFileExcl
	}

	return
}

// capsMDSWanted unions what the servers believe we want. Non-auth sessions
// cannot satisfy file-write wants, so those bits are not counted from them.
// Caller holds inode's lock.
//
func capsMDSWanted(inode *inodeStruct) (wanted uint64) {
	wanted = 0

	forEachCap(inode, func(cap *capStruct) (keepGoing bool) {
		if !capIsValid(cap) {
			keepGoing = true
			return
		}
		if cap == inode.authCap {
			wanted |= cap.mdsWanted
		} else {
			wanted |= cap.mdsWanted &^ CapMaskAnyFileWr
		}
		keepGoing = true
		return
	})

	return
}

// capsDirty is the union of not-yet-flushed and in-flight dirty bits.
// Caller holds inode's lock.
//
func capsDirty(inode *inodeStruct) (dirty uint64) {
	dirty = inode.dirtyCaps | inode.flushingCaps
	return
}

// shouldReportSize says whether the locally observed size is worth telling
// the auth server about outside a flush: at or past the granted max, or
// past the halfway point between last reported size and the max. Caller
// holds inode's lock.
//
func shouldReportSize(inode *inodeStruct) (report bool) {
	if 0 != (inode.flushingCaps & CapBitFileWr) {
		report = false
		return
	}

	report = (inode.size >= inode.maxSize) ||
		((inode.size << 1) >= inode.maxSize+inode.reportedSize)

	return
}

func wakeCapWaiters(inode *inodeStruct) {
	var (
		waiter *capWaiterStruct
	)

	for 0 != inode.capWaiters.Len() {
		waiter = inode.capWaiters.Remove(inode.capWaiters.Front()).(*capWaiterStruct)
		close(waiter.waitChan)
	}
}

func adjustOpenCount(inodeNumber uint64, openMode uint8, delta int) (err error) {
	var (
		inode *inodeStruct
		ok    bool
	)

	if openMode >= openModeCount {
		err = errInvalidOpenMode(openMode)
		return
	}

	inode, ok = fetchInode(inodeNumber, delta > 0)
	if !ok {
		err = errUnknownInode(inodeNumber)
		return
	}

	inode.Lock()

	if delta > 0 {
		inode.openCount[openMode] += uint64(delta)
		switch openMode {
		case OpenModeRd:
			inode.lastRead = time.Now()
		case OpenModeWr:
			inode.lastWrite = time.Now()
		}
		capDelayRequeue(inode, false)
	} else {
		if inode.openCount[openMode] < uint64(-delta) {
			logFatalf("adjustOpenCount(0x%016X,%d,%d) would underflow", inodeNumber, openMode, delta)
		}
		inode.openCount[openMode] -= uint64(-delta)
		capDelayRequeue(inode, false)
	}

	inode.Unlock()

	maybeEvictInode(inode)

	err = nil
	return
}

func noteCachedPages(inodeNumber uint64, cleanPageCount uint64, dirtyPageCount uint64) (err error) {
	var (
		implemented uint64
		inode       *inodeStruct
		issued      uint64
		ok          bool
		recheck     bool
	)

	inode, ok = fetchInode(inodeNumber, false)
	if !ok {
		err = errUnknownInode(inodeNumber)
		return
	}

	inode.Lock()

	recheck = ((0 == cleanPageCount) && (0 != inode.cleanPageCount)) ||
		((0 == dirtyPageCount) && (0 != inode.dirtyPageCount))

	inode.cleanPageCount = cleanPageCount
	inode.dirtyPageCount = dirtyPageCount

	if recheck {
		issued, implemented = capsIssued(inode)
		recheck = 0 != (implemented &^ issued & (CapBitFileCache | CapBitFileBuffer))
	}

	inode.Unlock()

	if recheck {
		// dropping the last cached pages may complete a revocation
		checkCaps(inode, 0)
	}

	maybeEvictInode(inode)

	err = nil
	return
}

func setDirComplete(inodeNumber uint64, complete bool) (err error) {
	var (
		inode *inodeStruct
		ok    bool
	)

	inode, ok = fetchInode(inodeNumber, complete)
	if !ok {
		if complete {
			err = errUnknownInode(inodeNumber)
		} else {
			err = nil
		}
		return
	}

	inode.Lock()
	inode.isDir = true
	inode.dirComplete = complete
	inode.Unlock()

	err = nil
	return
}
