// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package icappkg

import (
	"container/list"

	"github.com/NVIDIA/proxyfs/blunder"
	"github.com/NVIDIA/sortedmap"
)

// The cap pool keeps capStructs off the hot-path allocator and enforces the
// configured ceiling. Counter invariant at every unlock:
//
//	total == used + reserved + available
//
// All non-used caps (available as well as reserved) sit on capPool.freeList.

type capReservationStruct struct {
	count uint64 // caps still drawable from this reservation
}

// reserveCaps atomically pre-pays count caps. The free list is consumed
// first; any shortfall is "allocated" against the CapPoolMaxCount ceiling.
// If the ceiling is hit, one best-effort trim pass over all sessions' LRU
// caps is performed and the shortfall retried once before failing ENOMEM.
//
func reserveCaps(count uint64) (reservation *capReservationStruct, err error) {
	var (
		have      uint64
		shortfall uint64
		trimmed   bool
	)

	globals.capPool.Lock()

	have = globals.capPool.available
	if have > count {
		have = count
	}
	globals.capPool.available -= have
	globals.capPool.reserved += have

	shortfall = count - have

	for 0 < shortfall {
		if 0 < globals.capPool.available {
			// a trim pass (or a concurrent giveCap) refilled the pool
			globals.capPool.available--
			globals.capPool.reserved++
			shortfall--
			continue
		}

		if globals.capPool.total < globals.config.CapPoolMaxCount {
			globals.capPool.total++
			globals.capPool.reserved++
			globals.capPool.freeList.PushBack(&capStruct{})
			shortfall--
			continue
		}

		if trimmed {
			break
		}

		globals.capPool.Unlock()
		trimSessionCaps()
		globals.capPool.Lock()
		trimmed = true
	}

	if 0 < shortfall {
		// All-or-nothing: back out what this reservation took so far

		globals.capPool.reserved -= count - shortfall
		globals.capPool.available += count - shortfall

		globals.capPool.Unlock()

		logWarnf("reserveCaps(%d) failed: pool at ceiling (%d) after trim", count, globals.config.CapPoolMaxCount)

		err = blunder.NewError(blunder.OutOfMemoryError, "cap pool exhausted reserving %d caps", count)
		return
	}

	globals.capPool.Unlock()

	reservation = &capReservationStruct{count: count}

	err = nil
	return
}

// unreserveCaps returns a reservation's undrawn caps. If the pool then
// holds more free caps than reserved + CapPoolMinCount, total is shrunk
// instead of growing available.
//
func unreserveCaps(reservation *capReservationStruct) {
	var (
		element *list.Element
		had     uint64
	)

	had = reservation.count
	reservation.count = 0

	if 0 == had {
		return
	}

	globals.capPool.Lock()

	globals.capPool.reserved -= had

	if globals.capPool.available >= globals.capPool.reserved+globals.config.CapPoolMinCount {
		globals.capPool.total -= had
		for ; 0 < had; had-- {
			element = globals.capPool.freeList.Back()
			if nil == element {
				logFatalf("unreserveCaps() found empty freeList with total %d", globals.capPool.total)
			}
			_ = globals.capPool.freeList.Remove(element)
		}
	} else {
		globals.capPool.available += had
	}

	globals.capPool.Unlock()
}

// takeCap draws one capStruct. With a reservation, the draw is guaranteed;
// with reservation == nil (the export/import slow path), the pool grows as
// needed, transiently exceeding the ceiling rather than failing mid-flow.
//
func takeCap(reservation *capReservationStruct) (cap *capStruct) {
	var (
		element *list.Element
	)

	globals.capPool.Lock()

	if nil == reservation {
		if 0 < globals.capPool.available {
			globals.capPool.available--
		} else {
			globals.capPool.total++
			globals.capPool.freeList.PushBack(&capStruct{})
		}
	} else {
		if 0 == reservation.count {
			logFatalf("takeCap() called with exhausted reservation")
		}
		reservation.count--
		globals.capPool.reserved--
	}

	globals.capPool.used++

	element = globals.capPool.freeList.Front()
	if nil == element {
		logFatalf("takeCap() found empty freeList with total %d used %d", globals.capPool.total, globals.capPool.used)
	}
	cap = globals.capPool.freeList.Remove(element).(*capStruct)

	globals.capPool.Unlock()

	*cap = capStruct{}

	return
}

// giveCap returns cap to the pool, or frees it outright if the pool already
// holds CapPoolMinCount beyond its reservations.
//
func giveCap(cap *capStruct) {
	globals.capPool.Lock()

	globals.capPool.used--

	if globals.capPool.available >= globals.capPool.reserved+globals.config.CapPoolMinCount {
		globals.capPool.total--
	} else {
		*cap = capStruct{}
		globals.capPool.available++
		globals.capPool.freeList.PushBack(cap)
	}

	globals.capPool.Unlock()
}

// capPoolCounters snapshots the pool counters (tests assert the accounting
// invariant through this).
//
func capPoolCounters() (total uint64, used uint64, reserved uint64, available uint64) {
	globals.capPool.Lock()
	total = globals.capPool.total
	used = globals.capPool.used
	reserved = globals.capPool.reserved
	available = globals.capPool.available
	globals.capPool.Unlock()
	return
}

// trimSessionCaps releases, across every session, caps whose bits are
// neither referenced nor wanted by their inode, queueing RELEASE messages
// so the servers converge. One bounded pass; caps granted or used
// concurrently are simply skipped. A cap pointer is never carried across a
// lock gap: the snapshot records inodes and each cap is re-fetched under
// its inode's lock (the snapshotted cap could be removed and recycled in
// the meantime).
//
func trimSessionCaps() {
	var (
		cap          *capStruct
		element      *list.Element
		err          error
		index        int
		inode        *inodeStruct
		inodes       []*inodeStruct
		numSessions  int
		ok           bool
		session      *sessionStruct
		sessions     []*sessionStruct
		sessionValue sortedmap.Value
		wanted       uint64
	)

	globals.stats.CapPoolTrimPasses.Increment()

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
		inodes = nil

		session.Lock()
		for element = session.capList.Front(); nil != element; element = element.Next() {
			inode = element.Value.(*capStruct).inode
			if nil != inode {
				inodes = append(inodes, inode)
			}
		}
		session.Unlock()

		for _, inode = range inodes {
			inode.Lock()

			cap, ok = lookupCap(inode, session.sessionID)
			if !ok || (cap.session != session) {
				// removed (or replaced by a re-registered session's grant)
				// since the snapshot
				inode.Unlock()
				continue
			}

			// a cap is trimmable only if nothing used or wanted depends on
			// it: no write activity at all, and every needed bit this cap
			// provides is also issued by some other session's cap

			wanted = capsFileWanted(inode) | capsUsed(inode)
			if 0 != (wanted & CapMaskAnyWr) {
				inode.Unlock()
				continue
			}
			if 0 != (wanted &^ capsIssuedOtherThan(inode, cap) & (cap.issued | cap.implemented)) {
				inode.Unlock()
				continue
			}
			if (cap == inode.authCap) && ((0 != inode.dirtyCaps) || (0 != inode.flushingCaps)) {
				inode.Unlock()
				continue
			}

			removeCap(inode, cap, true)

			inode.Unlock()

			flushSessionCapReleases(session)

			maybeEvictInode(inode)
		}
	}
}
