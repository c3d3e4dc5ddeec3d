// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package icappkg

import (
	"container/list"
	"time"

	"github.com/NVIDIA/proxyfs/blunder"
	"github.com/NVIDIA/sortedmap"
)

func errUnknownSession(sessionID uint64) (err error) {
	err = blunder.NewError(blunder.NotFoundError, "unknown session 0x%016X", sessionID)
	return
}

func registerSession(sessionID uint64) (err error) {
	var (
		ok      bool
		session *sessionStruct
	)

	session = &sessionStruct{
		sessionID:     sessionID,
		gen:           1,
		staleDeadline: time.Now().Add(globals.config.SessionStaleInterval),
		capList:       list.New(),
		dirtyList:     list.New(),
		flushingList:  list.New(),
		releaseList:   list.New(),
	}

	globals.Lock()

	ok, err = globals.sessionTable.Put(sessionID, session)
	if nil != err {
		logFatalf("globals.sessionTable.Put(0x%016X,) failed: %v", sessionID, err)
	}

	globals.Unlock()

	if !ok {
		err = blunder.NewError(blunder.InvalidArgError, "session 0x%016X already registered", sessionID)
		return
	}

	logInfof("session 0x%016X registered", sessionID)

	err = nil
	return
}

func renewSession(sessionID uint64) (err error) {
	var (
		cap      *capStruct
		element  *list.Element
		inode    *inodeStruct
		inodes   []*inodeStruct
		ok       bool
		session  *sessionStruct
		wasStale bool
	)

	session, ok = fetchSession(sessionID)
	if !ok {
		err = errUnknownSession(sessionID)
		return
	}

	session.Lock()
	wasStale = !time.Now().Before(session.staleDeadline)
	session.staleDeadline = time.Now().Add(globals.config.SessionStaleInterval)
	if wasStale {
		// caps granted before the lapse stay invalid; the bumped gen
		// distinguishes everything granted from here on
		session.gen++
	}
	for element = session.capList.Front(); nil != element; element = element.Next() {
		cap = element.Value.(*capStruct)
		if nil != cap.inode {
			inodes = append(inodes, cap.inode)
		}
	}
	session.Unlock()

	if !wasStale {
		err = nil
		return
	}

	logInfof("session 0x%016X renewed after going stale (gen now %d)", sessionID, session.gen)

	// the server may have lost our in-flight flushes across the lapse

	kickFlushingCaps(session)

	// parked getCaps() callers should re-evaluate (and re-ask) rather than
	// wait for a grant that the server may never volunteer

	for _, inode = range inodes {
		inode.Lock()
		wakeCapWaiters(inode)
		inode.Unlock()
		checkCaps(inode, 0)
	}

	err = nil
	return
}

func invalidateSession(sessionID uint64) (err error) {
	var (
		ok      bool
		session *sessionStruct
	)

	session, ok = fetchSession(sessionID)
	if !ok {
		err = errUnknownSession(sessionID)
		return
	}

	session.Lock()
	session.staleDeadline = time.Now()
	session.Unlock()

	logInfof("session 0x%016X invalidated", sessionID)

	err = nil
	return
}

func setSessionReadOnly(sessionID uint64, readOnly bool) (err error) {
	var (
		ok      bool
		session *sessionStruct
	)

	session, ok = fetchSession(sessionID)
	if !ok {
		err = errUnknownSession(sessionID)
		return
	}

	session.Lock()
	session.readOnly = readOnly
	session.Unlock()

	err = nil
	return
}

// unregisterSession forcibly tears sessionID down. Every cap it granted is
// removed. Inodes whose auth cap lived here and that still held dirty or
// in-flight state have that state discarded and a sticky EIO recorded;
// every parked waiter is woken so nothing blocks on a server that is gone.
//
func unregisterSession(sessionID uint64) (err error) {
	var (
		ok      bool
		session *sessionStruct
		value   sortedmap.Value
	)

	globals.Lock()
	value, ok, err = globals.sessionTable.GetByKey(sessionID)
	if nil != err {
		logFatalf("globals.sessionTable.GetByKey(0x%016X) failed: %v", sessionID, err)
	}
	if !ok {
		globals.Unlock()
		err = errUnknownSession(sessionID)
		return
	}
	session = value.(*sessionStruct)

	// out of the table first; no new inbound messages will dispatch here
	_, err = globals.sessionTable.DeleteByKey(sessionID)
	if nil != err {
		logFatalf("globals.sessionTable.DeleteByKey(0x%016X) failed: %v", sessionID, err)
	}
	globals.Unlock()

	teardownSessionCaps(session)
	teardownSessionDirty(session)

	session.Lock()
	session.releaseList.Init()
	session.Unlock()

	logInfof("session 0x%016X unregistered", sessionID)

	err = nil
	return
}

func teardownSessionCaps(session *sessionStruct) {
	var (
		cap     *capStruct
		element *list.Element
		inode   *inodeStruct
		ok      bool
		wasAuth bool
	)

	for {
		session.Lock()
		element = session.capList.Front()
		if nil == element {
			session.Unlock()
			return
		}
		inode = element.Value.(*capStruct).inode
		session.Unlock()

		// the cap pointer is not carried across the lock gap (it could be
		// removed and recycled); re-fetch under the inode lock instead

		inode.Lock()

		cap, ok = lookupCap(inode, session.sessionID)
		if !ok || (cap.session != session) {
			// removed (or replaced by a re-registered session's grant)
			// since the snapshot
			inode.Unlock()
			continue
		}

		wasAuth = cap == inode.authCap

		removeCap(inode, cap, false)

		if wasAuth {
			discardInodeFlushState(inode, session)
		}

		wakeCapWaiters(inode)
		wakeAllFlushWaiters(inode)

		inode.Unlock()

		capDelayCancel(inode)

		maybeEvictInode(inode)
	}
}

// discardInodeFlushState is the fail-fast half of auth-session teardown:
// dirty and in-flight bits are dropped, flush records detached, capsnaps
// released, and a sticky error recorded so subsequent operations fail
// rather than silently losing the teardown. Caller holds inode's lock.
//
func discardInodeFlushState(inode *inodeStruct, session *sessionStruct) {
	var (
		capFlush *capFlushStruct
		capSnap  *capSnapStruct
		element  *list.Element
		next     *list.Element
	)

	if (0 == inode.dirtyCaps) && (0 == inode.flushingCaps) && (0 == inode.capFlushList.Len()) {
		return
	}

	inode.dirtyCaps = 0
	inode.flushingCaps = 0

	for element = inode.capFlushList.Front(); nil != element; element = next {
		next = element.Next()
		capFlush = element.Value.(*capFlushStruct)
		detachCapFlush(inode, capFlush)
	}

	for element = inode.capSnapList.Front(); nil != element; element = next {
		next = element.Next()
		capSnap = element.Value.(*capSnapStruct)
		_ = inode.capSnapList.Remove(element)
		capSnap.element = nil
		capSnap.snapContext.release()
	}

	unlinkDirtyFlushing(inode)

	inode.stickyErr = blunder.NewError(blunder.IOError, "auth session torn down with unflushed state on inode 0x%016X", inode.inodeNumber)

	logWarnf("inode 0x%016X: discarding unflushed state (auth session 0x%016X unregistered)", inode.inodeNumber, session.sessionID)
}

// teardownSessionDirty sweeps dirty/flushing list stragglers whose auth cap
// had already migrated off session (their flush state is still viable; only
// the list membership is stale).
//
func teardownSessionDirty(session *sessionStruct) {
	var (
		element *list.Element
		inode   *inodeStruct
		inodes  []*inodeStruct
	)

	session.Lock()
	for element = session.dirtyList.Front(); nil != element; element = element.Next() {
		inodes = append(inodes, element.Value.(*inodeStruct))
	}
	for element = session.flushingList.Front(); nil != element; element = element.Next() {
		inodes = append(inodes, element.Value.(*inodeStruct))
	}
	session.Unlock()

	for _, inode = range inodes {
		inode.Lock()
		if inode.dirtySession == session {
			session.Lock()
			_ = session.dirtyList.Remove(inode.dirtyElement)
			session.Unlock()
			inode.dirtyElement = nil
			inode.dirtySession = nil
		}
		if inode.flushingSession == session {
			session.Lock()
			_ = session.flushingList.Remove(inode.flushingElement)
			session.Unlock()
			inode.flushingElement = nil
			inode.flushingSession = nil
		}
		inode.Unlock()
	}
}

// unlinkDirtyFlushing detaches inode from whichever sessions' dirty and
// flushing lists hold it. Caller holds inode's lock.
//
func unlinkDirtyFlushing(inode *inodeStruct) {
	var (
		session *sessionStruct
	)

	if (nil != inode.dirtyElement) && (nil != inode.dirtySession) {
		session = inode.dirtySession
		session.Lock()
		_ = session.dirtyList.Remove(inode.dirtyElement)
		session.Unlock()
		inode.dirtyElement = nil
		inode.dirtySession = nil
	}

	if (nil != inode.flushingElement) && (nil != inode.flushingSession) {
		session = inode.flushingSession
		session.Lock()
		_ = session.flushingList.Remove(inode.flushingElement)
		session.Unlock()
		inode.flushingElement = nil
		inode.flushingSession = nil
	}
}

func wakeAllFlushWaiters(inode *inodeStruct) {
	var (
		waiter *flushWaiterStruct
	)

	for 0 != inode.flushWaiters.Len() {
		waiter = inode.flushWaiters.Remove(inode.flushWaiters.Front()).(*flushWaiterStruct)
		close(waiter.waitChan)
	}
}

// flushSessionCapReleases drains session's queued RELEASE records into
// outbound messages.
//
func flushSessionCapReleases(session *sessionStruct) {
	var (
		element  *list.Element
		release  *capReleaseStruct
		releases []*capReleaseStruct
	)

	session.Lock()
	for element = session.releaseList.Front(); nil != element; element = element.Next() {
		releases = append(releases, element.Value.(*capReleaseStruct))
	}
	session.releaseList.Init()
	session.Unlock()

	for _, release = range releases {
		sendCapMessage(session, &capMessageStruct{
			msgVersion:  currentCapMsgVersion,
			op:          capMsgOpRelease,
			inodeNumber: release.inodeNumber,
			capID:       release.capID,
			seq:         release.seq,
			issueSeq:    release.issueSeq,
			mseq:        release.mseq,
		})
		globals.stats.ReleaseMessagesSent.Increment()
	}
}

// drainSessions flushes what can still be flushed and then unregisters
// every session (shutdown path).
//
func drainSessions() (err error) {
	var (
		index      int
		numEntries int
		ok         bool
		sessionID  uint64
		sessionIDs []uint64
		value      sortedmap.Key
	)

	flushDirtyCaps()

	globals.Lock()
	numEntries, err = globals.sessionTable.Len()
	if nil != err {
		logFatalf("globals.sessionTable.Len() failed: %v", err)
	}
	for index = 0; index < numEntries; index++ {
		value, _, ok, err = globals.sessionTable.GetByIndex(index)
		if nil != err {
			logFatalf("globals.sessionTable.GetByIndex(%d) failed: %v", index, err)
		}
		if !ok {
			break
		}
		sessionIDs = append(sessionIDs, value.(uint64))
	}
	globals.Unlock()

	for _, sessionID = range sessionIDs {
		err = unregisterSession(sessionID)
		if nil != err {
			logWarnf("drainSessions() unregisterSession(0x%016X) failed: %v", sessionID, err)
		}
	}

	err = nil
	return
}
