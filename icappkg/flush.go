// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package icappkg

import (
	"container/list"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/sortedmap"
)

func newSnapContext(seq uint64) (snapContext *SnapContext) {
	snapContext = &SnapContext{Seq: seq, refCount: 1}
	return
}

func (snapContext *SnapContext) hold() {
	atomic.AddInt64(&snapContext.refCount, 1)
}

func (snapContext *SnapContext) release() {
	if atomic.AddInt64(&snapContext.refCount, -1) < 0 {
		logFatalf("SnapContext(Seq: %d) over-released", snapContext.Seq)
	}
}

func (snapContext *SnapContext) refcount() (refCount int64) {
	refCount = atomic.LoadInt64(&snapContext.refCount)
	return
}

// markDirtyCaps records locally modified metadata classes. The first
// dirtying of a clean inode links it onto the auth session's dirty list and
// returns notifyFirstDirty once. Caller holds inode's lock.
//
func markDirtyCaps(inode *inodeStruct, bits uint64) (notifyFirstDirty bool) {
	var (
		session *sessionStruct
		was     uint64
	)

	was = capsDirty(inode)

	inode.dirtyCaps |= bits

	notifyFirstDirty = (0 == was) && (0 != bits)

	if notifyFirstDirty {
		if nil == inode.authCap {
			logWarnf("inode 0x%016X dirtied (0x%04X) with no auth cap", inode.inodeNumber, bits)
		} else {
			session = inode.authCap.session
			session.Lock()
			if nil == inode.dirtyElement {
				inode.dirtyElement = session.dirtyList.PushBack(inode)
				inode.dirtySession = session
			}
			session.Unlock()
		}
	}

	capDelayRequeue(inode, false)

	return
}

func markDirtyByInodeNumber(inodeNumber uint64, bits uint64) (err error) {
	var (
		inode            *inodeStruct
		notifyFirstDirty bool
		ok               bool
	)

	if 0 == (bits & CapMaskAnyExcl) {
		err = errInvalidDirtyBits(bits)
		return
	}

	inode, ok = fetchInode(inodeNumber, false)
	if !ok {
		err = errUnknownInode(inodeNumber)
		return
	}

	inode.Lock()
	if nil != inode.stickyErr {
		err = inode.stickyErr
		inode.Unlock()
		return
	}
	notifyFirstDirty = markDirtyCaps(inode, bits)
	inode.Unlock()

	if notifyFirstDirty {
		globals.callbacks.NoteFirstDirty(inodeNumber)
	}

	err = nil
	return
}

// markCapsFlushing moves inode's dirty bits into flight: a fresh flush tid
// is drawn from the global counter and a capFlushStruct linked into both
// the global tid tree and inode's own flush list; the inode moves from the
// session's dirty list to its flushing list. Caller holds inode's lock and
// the auth cap must be present.
//
func markCapsFlushing(inode *inodeStruct, wake bool) (capFlush *capFlushStruct) {
	var (
		session *sessionStruct
	)

	if 0 == inode.dirtyCaps {
		logFatalf("markCapsFlushing(0x%016X) called with no dirty caps", inode.inodeNumber)
	}
	if nil == inode.authCap {
		logFatalf("markCapsFlushing(0x%016X) called with no auth cap", inode.inodeNumber)
	}

	capFlush = &capFlushStruct{
		caps:  inode.dirtyCaps,
		wake:  wake,
		inode: inode,
	}

	inode.flushingCaps |= inode.dirtyCaps
	inode.dirtyCaps = 0

	globals.flushLock.Lock()
	globals.lastFlushTID++
	capFlush.tid = globals.lastFlushTID
	_ = globals.flushTree.ReplaceOrInsert(capFlush)
	globals.flushLock.Unlock()

	capFlush.inodeElement = inode.capFlushList.PushBack(capFlush)

	if nil != inode.dirtyElement {
		session = inode.dirtySession
		session.Lock()
		_ = session.dirtyList.Remove(inode.dirtyElement)
		inode.dirtyElement = nil
		inode.dirtySession = nil
		session.Unlock()
	}

	session = inode.authCap.session

	session.Lock()
	if nil == inode.flushingElement {
		inode.flushingElement = session.flushingList.PushBack(inode)
		inode.flushingSession = session
	}
	session.Unlock()

	return
}

// oldestFlushTID returns the tid of the oldest outstanding flush record
// process-wide (0 if none); servers use it to trim their flush logs.
//
func oldestFlushTID() (tid uint64) {
	var (
		item interface{}
	)

	globals.flushLock.Lock()
	item = globals.flushTree.Min()
	globals.flushLock.Unlock()

	if nil == item {
		tid = 0
	} else {
		tid = item.(*capFlushStruct).tid
	}

	return
}

// detachCapFlush unlinks capFlush from the global tid tree and from
// inode.capFlushList. Caller holds inode's lock.
//
func detachCapFlush(inode *inodeStruct, capFlush *capFlushStruct) {
	globals.flushLock.Lock()
	_ = globals.flushTree.Delete(capFlush)
	globals.flushLock.Unlock()

	if nil != capFlush.inodeElement {
		_ = inode.capFlushList.Remove(capFlush.inodeElement)
		capFlush.inodeElement = nil
	}
}

// handleFlushAck retires flush records acknowledged by the auth server:
// every non-capsnap record with tid <= ackedTID is retired; records with
// greater tids keep their bits dirty (they represent re-dirtying after the
// acked flush was sent). Caller holds inode's lock.
//
func handleFlushAck(inode *inodeStruct, ackedTID uint64) (wakeNeeded bool) {
	var (
		capFlush *capFlushStruct
		cleaned  uint64
		element  *list.Element
		next     *list.Element
		session  *sessionStruct
		toRetire []*capFlushStruct
	)

	cleaned = 0

	for element = inode.capFlushList.Front(); nil != element; element = element.Next() {
		capFlush = element.Value.(*capFlushStruct)
		if capFlush.tid == ackedTID {
			cleaned = capFlush.caps
			break
		}
	}

	for element = inode.capFlushList.Front(); nil != element; element = next {
		next = element.Next()
		capFlush = element.Value.(*capFlushStruct)

		if capFlush.isCapSnap {
			continue
		}

		if capFlush.tid <= ackedTID {
			toRetire = append(toRetire, capFlush)
		} else {
			cleaned &^= capFlush.caps
			if 0 == cleaned {
				break
			}
		}
	}

	if (0 == len(toRetire)) && (0 == cleaned) {
		wakeNeeded = false
		return
	}

	for _, capFlush = range toRetire {
		detachCapFlush(inode, capFlush)
	}

	inode.flushingCaps &^= cleaned

	logTracef("inode 0x%016X flush ack tid %d cleaned 0x%04X flushing now 0x%04X",
		inode.inodeNumber, ackedTID, cleaned, inode.flushingCaps)

	if (0 == inode.flushingCaps) && (nil != inode.flushingElement) {
		session = inode.flushingSession
		session.Lock()
		_ = session.flushingList.Remove(inode.flushingElement)
		inode.flushingElement = nil
		inode.flushingSession = nil
		session.Unlock()
	}

	wakeNeeded = true

	wakeFlushWaiters(inode)

	return
}

// handleFlushSnapAck retires the capsnap matching follows. A tid mismatch
// on a matching follows is a protocol warning only. Caller holds inode's
// lock; the snapContext reference is dropped by the caller (outside the
// lock) via the returned record.
//
func handleFlushSnapAck(inode *inodeStruct, ackedTID uint64, follows uint64) (capSnap *capSnapStruct) {
	var (
		element *list.Element
		iter    *capSnapStruct
	)

	capSnap = nil

	for element = inode.capSnapList.Front(); nil != element; element = element.Next() {
		iter = element.Value.(*capSnapStruct)
		if iter.follows == follows {
			if iter.capFlush.tid != ackedTID {
				logWarnf("inode 0x%016X capsnap follows %d has tid %d, ack says %d",
					inode.inodeNumber, follows, iter.capFlush.tid, ackedTID)
				return
			}
			capSnap = iter
			break
		}
	}

	if nil == capSnap {
		return
	}

	_ = inode.capSnapList.Remove(capSnap.element)
	capSnap.element = nil

	detachCapFlush(inode, &capSnap.capFlush)

	wakeFlushWaiters(inode)

	return
}

// wakeFlushWaiters releases fsync-style waiters whose tid watermark no
// longer has outstanding records at or below it. Caller holds inode's lock.
//
func wakeFlushWaiters(inode *inodeStruct) {
	var (
		element        *list.Element
		minOutstanding uint64
		next           *list.Element
		waiter         *flushWaiterStruct
	)

	element = inode.capFlushList.Front()
	if nil == element {
		minOutstanding = ^uint64(0)
	} else {
		minOutstanding = element.Value.(*capFlushStruct).tid
	}

	for element = inode.flushWaiters.Front(); nil != element; element = next {
		next = element.Next()
		waiter = element.Value.(*flushWaiterStruct)
		if waiter.tid < minOutstanding {
			_ = inode.flushWaiters.Remove(element)
			close(waiter.waitChan)
		}
	}
}

// flushCaps implements fsync semantics: push dirty bits into flight, then
// wait until every record outstanding at entry has been acknowledged.
//
func flushCaps(inodeNumber uint64) (err error) {
	var (
		element   *list.Element
		inode     *inodeStruct
		ok        bool
		waiter    *flushWaiterStruct
		waitStart time.Time
	)

	inode, ok = fetchInode(inodeNumber, false)
	if !ok {
		err = nil // nothing tracked, nothing to flush
		return
	}

	checkCaps(inode, checkCapsFlush)

	inode.Lock()

	if nil != inode.stickyErr {
		err = inode.stickyErr
		inode.Unlock()
		return
	}

	element = inode.capFlushList.Back()
	if nil == element {
		inode.Unlock()
		err = nil
		return
	}

	waiter = &flushWaiterStruct{
		tid:      element.Value.(*capFlushStruct).tid,
		waitChan: make(chan struct{}),
	}
	_ = inode.flushWaiters.PushBack(waiter)

	inode.Unlock()

	waitStart = time.Now()
	<-waiter.waitChan
	globals.stats.FlushWaitUsecs.Add(uint64(time.Since(waitStart) / time.Microsecond))

	inode.Lock()
	err = inode.stickyErr
	inode.Unlock()

	maybeEvictInode(inode)

	return
}

// markSnapDirty captures the inode's current dirty bits into a capsnap tied
// to snapContext. The capsnap is flushed once no writer holds FILE_WR or
// FILE_BUFFER references.
//
func markSnapDirty(inodeNumber uint64, follows uint64, snapContext *SnapContext) (err error) {
	var (
		capSnap *capSnapStruct
		inode   *inodeStruct
		ok      bool
		session *sessionStruct
	)

	if nil == snapContext {
		err = errNilSnapContext()
		return
	}

	inode, ok = fetchInode(inodeNumber, false)
	if !ok {
		err = errUnknownInode(inodeNumber)
		return
	}

	inode.Lock()

	if 0 == inode.dirtyCaps {
		inode.Unlock()
		err = nil
		return
	}
	if nil == inode.authCap {
		inode.Unlock()
		err = errUnknownInode(inodeNumber)
		return
	}

	snapContext.hold()

	capSnap = &capSnapStruct{
		follows:     follows,
		dirty:       inode.dirtyCaps,
		snapContext: snapContext,
	}
	capSnap.capFlush.caps = inode.dirtyCaps
	capSnap.capFlush.isCapSnap = true
	capSnap.capFlush.inode = inode

	inode.dirtyCaps = 0

	// the capsnap consumed the dirty bits; the inode no longer belongs on
	// its session's dirty list

	if nil != inode.dirtyElement {
		session = inode.dirtySession
		session.Lock()
		_ = session.dirtyList.Remove(inode.dirtyElement)
		inode.dirtyElement = nil
		inode.dirtySession = nil
		session.Unlock()
	}

	globals.flushLock.Lock()
	globals.lastFlushTID++
	capSnap.capFlush.tid = globals.lastFlushTID
	_ = globals.flushTree.ReplaceOrInsert(&capSnap.capFlush)
	globals.flushLock.Unlock()

	capSnap.capFlush.inodeElement = inode.capFlushList.PushBack(&capSnap.capFlush)
	capSnap.element = inode.capSnapList.PushBack(capSnap)

	inode.Unlock()

	maybeFlushCapSnaps(inode)

	err = nil
	return
}

// maybeFlushCapSnaps sends FLUSHSNAP for every capsnap whose writers have
// drained. Caller must not hold inode's lock.
//
func maybeFlushCapSnaps(inode *inodeStruct) {
	var (
		capSnap  *capSnapStruct
		element  *list.Element
		sendable []*capMessageStruct
		session  *sessionStruct
	)

	inode.Lock()

	if (0 != inode.wrRef) || (0 != inode.wbRef) || (nil == inode.authCap) {
		inode.Unlock()
		return
	}

	session = inode.authCap.session

	for element = inode.capSnapList.Front(); nil != element; element = element.Next() {
		capSnap = element.Value.(*capSnapStruct)
		if !capSnap.flushing {
			capSnap.flushing = true
			sendable = append(sendable, buildFlushSnapMessage(inode, capSnap))
		}
	}

	inode.Unlock()

	for _, msg := range sendable {
		sendCapMessage(session, msg)
		globals.stats.FlushSnapMessagesSent.Increment()
	}
}

// kickFlushingCaps re-sends every outstanding flush record for inodes on
// session's flushing list, oldest first (session reconnected; the server
// may have lost the originals).
//
func kickFlushingCaps(session *sessionStruct) {
	var (
		element *list.Element
		inodes  []*inodeStruct
	)

	session.Lock()
	for element = session.flushingList.Front(); nil != element; element = element.Next() {
		inodes = append(inodes, element.Value.(*inodeStruct))
	}
	session.Unlock()

	for _, inode := range inodes {
		kickFlushingInodeCaps(session, inode)
	}
}

func kickFlushingInodeCaps(session *sessionStruct, inode *inodeStruct) {
	var (
		capFlush *capFlushStruct
		element  *list.Element
		firstTID uint64
		msg      *capMessageStruct
	)

	firstTID = 0

	for {
		msg = nil

		inode.Lock()

		if (nil == inode.authCap) || (inode.authCap.session != session) {
			inode.Unlock()
			return
		}

		inode.kickFlush = false

		for element = inode.capFlushList.Front(); nil != element; element = element.Next() {
			capFlush = element.Value.(*capFlushStruct)
			if capFlush.tid < firstTID {
				continue
			}
			firstTID = capFlush.tid + 1
			if capFlush.isCapSnap {
				// resend handled via maybeFlushCapSnaps path
				continue
			}
			msg = buildFlushMessage(inode, inode.authCap, capFlush)
			break
		}

		inode.Unlock()

		if nil == msg {
			return
		}

		sendCapMessage(session, msg)
		globals.stats.FlushMessagesSent.Increment()
	}
}

// flushDirtyCaps walks every session's dirty list pushing dirty metadata
// into flight (periodic background flush and shutdown path).
//
func flushDirtyCaps() {
	var (
		element      *list.Element
		err          error
		index        int
		inode        *inodeStruct
		numSessions  int
		ok           bool
		session      *sessionStruct
		sessionValue sortedmap.Value
		sessions     []*sessionStruct
	)

	globals.Lock()
	numSessions, err = globals.sessionTable.Len()
	if nil != err {
		logFatalf("globals.sessionTable.Len() failed: %v", err)
	}
	for index = 0; index < numSessions; index++ {
		_, sessionValue, ok, err = globals.sessionTable.GetByIndex(index)
		if nil != err {
			logFatalf("globals.sessionTable.GetByIndex(%d) failed: %v", index, err)
		}
		if !ok {
			break
		}
		sessions = append(sessions, sessionValue.(*sessionStruct))
	}
	globals.Unlock()

	for _, session = range sessions {
		for {
			session.Lock()
			element = session.dirtyList.Front()
			if nil == element {
				session.Unlock()
				break
			}
			inode = element.Value.(*inodeStruct)
			session.Unlock()

			checkCaps(inode, checkCapsFlush)

			session.Lock()
			if (nil != session.dirtyList.Front()) && (session.dirtyList.Front().Value.(*inodeStruct) == inode) {
				// no forward progress (no valid auth cap, say); give up
				// this pass rather than spin
				session.Unlock()
				break
			}
			session.Unlock()
		}
	}
}

func errInvalidDirtyBits(bits uint64) (err error) {
	err = errInvalidArgf("dirty bits 0x%04X contain no exclusive metadata class", bits)
	return
}

func errNilSnapContext() (err error) {
	err = errInvalidArgf("nil SnapContext")
	return
}
