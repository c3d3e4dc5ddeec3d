// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Lock ordering, engine-wide:
//
//	inode.Mutex > globals.flushLock
//	inode.Mutex > session.Mutex
//	globals.Mutex > inode.Mutex (table lookups/eviction only)
//	globals.delayLock is a leaf (never held while acquiring another lock)
//
// Cap messages are always sent with no locks held: the deciding pass
// snapshots state under the inode lock, drops it, sends exactly one
// message, and restarts the scan.

package icappkg

import (
	"container/list"
	"time"
)

const (
	checkCapsAuthOnly     uint64 = 1 << 0 // only consider the auth cap
	checkCapsFlush        uint64 = 1 << 1 // push dirty bits into flight
	checkCapsFlushForce   uint64 = 1 << 2 // send even in steady state
	checkCapsNoInvalidate uint64 = 1 << 3 // suppress cache invalidation
)

// checkCaps is the reconciliation pass: given the inode's used/wanted/
// issued state, decide per cap whether to retain, request more, release,
// or flush, and emit at most one protocol message per iteration. The scan
// restarts from the top after every send (the lock was dropped; anything
// may have changed) and terminates because the per-pass session watermark
// only ever advances.
//
func checkCaps(inode *inodeStruct, flags uint64) {
	var (
		capFlush         *capFlushStruct
		fileWanted       uint64
		implemented      uint64
		issued           uint64
		msg              *capMessageStruct
		passStart        time.Time
		retain           uint64
		revoking         uint64
		sendOp           uint32
		sendSession      *sessionStruct
		sessionWatermark uint64
		sideInvalidate   bool
		sideWriteback    bool
		used             uint64
		visitedAny       bool
		want             uint64
	)

	passStart = time.Now()
	visitedAny = false

	for {
		msg = nil
		sideWriteback = false
		sideInvalidate = false

		inode.Lock()

		fileWanted = capsFileWanted(inode)
		used = capsUsed(inode)
		issued, implemented = capsIssued(inode)
		revoking = implemented &^ issued

		retain = fileWanted | used | CapBitPin
		want = fileWanted

		if inode.isDir && inode.dirComplete && (0 != (issued & CapBitFileShared)) {
			// a complete cached directory is worth keeping readable
			// (and, on a writable mount, mutable) without round trips
			retain |= CapMaskAnyShared
			want |= CapMaskAnyShared
			if !globals.config.MountReadOnly {
				retain |= CapBitFileExcl
				want |= CapBitFileExcl
			}
		} else {
			retain |= CapMaskAnyShared
			if 0 == inode.maxSize {
				retain |= CapMaskAnyRd
			}
		}

		if (0 != (revoking & used & CapBitFileBuffer)) && (0 < inode.dirtyPageCount) {
			// can't complete the revocation until dirty pages drain
			sideWriteback = true
		}
		if (0 != (revoking & CapBitFileCache)) &&
			(0 == (flags & checkCapsNoInvalidate)) &&
			(0 == inode.rdcacheRef) && (0 == inode.rdRef) &&
			(0 < inode.cleanPageCount) &&
			!inode.invalidatePending {
			sideInvalidate = true
		}

		forEachCap(inode, func(cap *capStruct) (keepGoing bool) {
			var (
				capRevoking uint64
				capUsed     uint64
				doSend      bool
			)

			if (0 != (flags & checkCapsAuthOnly)) && (cap != inode.authCap) {
				keepGoing = true
				return
			}
			if visitedAny && (cap.sessionID <= sessionWatermark) {
				keepGoing = true
				return
			}

			capUsed = used
			if (cap != inode.authCap) && (nil != inode.authCap) {
				// bits the auth cap covers aren't held via this session
				capUsed &^= inode.authCap.issued
			}

			capRevoking = cap.implemented &^ cap.issued

			doSend = false

			switch {
			case (0 != capRevoking) && (0 == (capRevoking & capUsed)):
				doSend = true // revocation complete; tell the server
			case 0 != (flags & checkCapsFlushForce):
				doSend = true
			case (cap == inode.authCap) &&
				(0 != (cap.issued & CapBitFileWr)) &&
				(inode.wantedMaxSize > inode.maxSize) &&
				(inode.wantedMaxSize > inode.requestedMaxSize):
				doSend = true // need a larger write extent
			case (cap == inode.authCap) &&
				(0 != (cap.issued & CapMaskAnyFileWr)) &&
				shouldReportSize(inode):
				doSend = true
			case (cap == inode.authCap) &&
				(((0 != (flags & checkCapsFlush)) && (0 != inode.dirtyCaps)) ||
					unflushedCapSnaps(inode)):
				doSend = true
			case (0 != (want &^ cap.mdsWanted)) &&
				((0 != (want &^ (cap.mdsWanted | cap.issued))) || !capIsValid(cap)):
				doSend = true // server doesn't know what we want
			}

			if !doSend && (0 == (cap.issued &^ retain)) {
				// steady state; no message traffic
				keepGoing = true
				return
			}

			// build exactly one message for this cap

			capFlush = nil
			if (cap == inode.authCap) &&
				(0 != inode.dirtyCaps) &&
				(0 != (flags & (checkCapsFlush | checkCapsFlushForce))) {
				capFlush = markCapsFlushing(inode, false)
				sendOp = capMsgOpFlush
			} else {
				sendOp = capMsgOpUpdate
			}

			msg = prepCapMessage(inode, cap, sendOp, capFlush, want, retain, capUsed)

			sessionWatermark = cap.sessionID
			visitedAny = true
			sendSession = cap.session

			keepGoing = false
			return
		})

		if nil == msg {
			if 0 != fileWanted {
				capDelayRequeueIfAbsent(inode)
			}
			if sideInvalidate {
				inode.invalidatePending = true
			}
			inode.Unlock()
			break
		}

		if sideInvalidate {
			inode.invalidatePending = true
		}
		inode.Unlock()

		runCacheSideEffects(inode, sideWriteback, sideInvalidate)

		sendCapMessage(sendSession, msg)
		if capMsgOpFlush == msg.op {
			globals.stats.FlushMessagesSent.Increment()
		} else {
			globals.stats.UpdateMessagesSent.Increment()
		}
	}

	runCacheSideEffects(inode, sideWriteback, sideInvalidate)

	globals.stats.CheckCapsUsecs.Add(uint64(time.Since(passStart) / time.Microsecond))
}

// unflushedCapSnaps reports whether a capsnap is waiting for a FLUSHSNAP
// send. Caller holds inode's lock.
//
func unflushedCapSnaps(inode *inodeStruct) (pending bool) {
	var (
		element *list.Element
	)

	for element = inode.capSnapList.Front(); nil != element; element = element.Next() {
		if !element.Value.(*capSnapStruct).flushing {
			pending = true
			return
		}
	}

	pending = false
	return
}

// prepCapMessage snapshots inode+cap state into an outbound message and
// applies the send's local effects: bits outside retain are dropped from
// issued, implemented is wound down to issued|used, the server's wanted
// view and the size-negotiation bookkeeping are updated. Caller holds
// inode's lock.
//
func prepCapMessage(inode *inodeStruct, cap *capStruct, op uint32, capFlush *capFlushStruct, want uint64, retain uint64, capUsed uint64) (msg *capMessageStruct) {
	cap.issued &= retain
	cap.implemented &= cap.issued | capUsed
	cap.mdsWanted = want

	inode.reportedSize = inode.size
	if 0 != (want & CapMaskAnyFileWr) {
		inode.requestedMaxSize = inode.wantedMaxSize
	} else {
		inode.requestedMaxSize = 0
	}

	msg = &capMessageStruct{
		msgVersion:     currentCapMsgVersion,
		op:             op,
		inodeNumber:    inode.inodeNumber,
		capID:          cap.capID,
		seq:            cap.seq,
		issueSeq:       cap.issueSeq,
		mseq:           cap.mseq,
		caps:           cap.issued,
		wanted:         want,
		size:           inode.size,
		maxSize:        inode.wantedMaxSize,
		truncateSeq:    inode.truncateSeq,
		truncateSize:   inode.truncateSize,
		mTimeUnixNano:  inode.mTime.UnixNano(),
		aTimeUnixNano:  inode.aTime.UnixNano(),
		cTimeUnixNano:  inode.cTime.UnixNano(),
		uid:            inode.uid,
		gid:            inode.gid,
		unixMode:       inode.unixMode,
		nLink:          inode.nLink,
		xattrVersion:   inode.xattrVersion,
		oldestFlushTID: oldestFlushTID(),
		bTimeUnixNano:  0,
		changeAttr:     inode.changeAttr,
	}

	if nil != capFlush {
		msg.dirty = capFlush.caps
		msg.flushTID = capFlush.tid
	}

	return
}

// buildFlushMessage rebuilds the FLUSH for an already-in-flight record
// (session reconnect resend path). Caller holds inode's lock.
//
func buildFlushMessage(inode *inodeStruct, cap *capStruct, capFlush *capFlushStruct) (msg *capMessageStruct) {
	msg = prepCapMessage(inode, cap, capMsgOpFlush, capFlush, capsWanted(inode), cap.issued|capsUsed(inode)|CapBitPin, capsUsed(inode))
	return
}

// buildFlushSnapMessage builds the FLUSHSNAP for capSnap. Caller holds
// inode's lock.
//
func buildFlushSnapMessage(inode *inodeStruct, capSnap *capSnapStruct) (msg *capMessageStruct) {
	msg = &capMessageStruct{
		msgVersion:     currentCapMsgVersion,
		op:             capMsgOpFlushSnap,
		inodeNumber:    inode.inodeNumber,
		capID:          inode.authCap.capID,
		seq:            inode.authCap.seq,
		issueSeq:       inode.authCap.issueSeq,
		mseq:           inode.authCap.mseq,
		caps:           inode.authCap.issued,
		dirty:          capSnap.dirty,
		flushTID:       capSnap.capFlush.tid,
		snapFollows:    capSnap.follows,
		size:           inode.size,
		mTimeUnixNano:  inode.mTime.UnixNano(),
		aTimeUnixNano:  inode.aTime.UnixNano(),
		cTimeUnixNano:  inode.cTime.UnixNano(),
		uid:            inode.uid,
		gid:            inode.gid,
		unixMode:       inode.unixMode,
		nLink:          inode.nLink,
		xattrVersion:   inode.xattrVersion,
		oldestFlushTID: oldestFlushTID(),
		changeAttr:     inode.changeAttr,
	}
	return
}

func runCacheSideEffects(inode *inodeStruct, writeback bool, invalidate bool) {
	var (
		invalidated bool
	)

	if writeback {
		globals.callbacks.QueueWriteback(inode.inodeNumber)
	}

	if invalidate {
		invalidated = globals.callbacks.TryInvalidateCache(inode.inodeNumber)
		if invalidated {
			inode.Lock()
			inode.invalidatePending = false
			inode.cleanPageCount = 0
			inode.Unlock()
			checkCaps(inode, checkCapsNoInvalidate)
		} else {
			// locked pages; a separate worker will invalidate and then
			// call NoteCachedPages(0, 0)
			globals.callbacks.QueueInvalidate(inode.inodeNumber)
		}
	}
}
