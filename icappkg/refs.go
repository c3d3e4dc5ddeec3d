// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package icappkg

import (
	"time"

	"github.com/NVIDIA/proxyfs/blunder"
)

func errUnknownInode(inodeNumber uint64) (err error) {
	err = blunder.NewError(blunder.NotFoundError, "unknown inode 0x%016X", inodeNumber)
	return
}

func errInvalidOpenMode(openMode uint8) (err error) {
	err = blunder.NewError(blunder.InvalidArgError, "invalid open mode %d", openMode)
	return
}

func errInvalidArgf(format string, args ...interface{}) (err error) {
	err = blunder.NewError(blunder.InvalidArgError, format, args...)
	return
}

// takeCapRefs bumps the per-mode reference counters named in bits. Caller
// holds inode's lock.
//
func takeCapRefs(inode *inodeStruct, bits uint64) {
	if 0 != (bits & CapBitPin) {
		inode.pinRef++
	}
	if 0 != (bits & CapBitFileRd) {
		inode.rdRef++
	}
	if 0 != (bits & CapBitFileCache) {
		inode.rdcacheRef++
	}
	if 0 != (bits & CapBitFileWr) {
		inode.wrRef++
	}
	if 0 != (bits & CapBitFileBuffer) {
		inode.wbRef++
	}
	if 0 != (bits & CapBitFileExcl) {
		inode.exclRef++
	}
}

// putCapRefs drops the per-mode reference counters named in bits and
// returns the modes that just reached zero. Caller holds inode's lock and
// is responsible for the post-drop reconsideration the returned bits call
// for.
//
func putCapRefs(inode *inodeStruct, bits uint64) (lastBits uint64) {
	lastBits = 0

	if 0 != (bits & CapBitPin) {
		if 0 == inode.pinRef {
			logFatalf("putCapRefs(0x%016X, CapBitPin) would underflow", inode.inodeNumber)
		}
		inode.pinRef--
		if 0 == inode.pinRef {
			lastBits |= CapBitPin
		}
	}
	if 0 != (bits & CapBitFileRd) {
		if 0 == inode.rdRef {
			logFatalf("putCapRefs(0x%016X, CapBitFileRd) would underflow", inode.inodeNumber)
		}
		inode.rdRef--
		if 0 == inode.rdRef {
			lastBits |= CapBitFileRd
		}
	}
	if 0 != (bits & CapBitFileCache) {
		if 0 == inode.rdcacheRef {
			logFatalf("putCapRefs(0x%016X, CapBitFileCache) would underflow", inode.inodeNumber)
		}
		inode.rdcacheRef--
		if 0 == inode.rdcacheRef {
			lastBits |= CapBitFileCache
		}
	}
	if 0 != (bits & CapBitFileWr) {
		if 0 == inode.wrRef {
			logFatalf("putCapRefs(0x%016X, CapBitFileWr) would underflow", inode.inodeNumber)
		}
		inode.wrRef--
		if 0 == inode.wrRef {
			lastBits |= CapBitFileWr
		}
	}
	if 0 != (bits & CapBitFileBuffer) {
		if 0 == inode.wbRef {
			logFatalf("putCapRefs(0x%016X, CapBitFileBuffer) would underflow", inode.inodeNumber)
		}
		inode.wbRef--
		if 0 == inode.wbRef {
			lastBits |= CapBitFileBuffer
		}
	}
	if 0 != (bits & CapBitFileExcl) {
		if 0 == inode.exclRef {
			logFatalf("putCapRefs(0x%016X, CapBitFileExcl) would underflow", inode.inodeNumber)
		}
		inode.exclRef--
		if 0 == inode.exclRef {
			lastBits |= CapBitFileExcl
		}
	}

	return
}

// tryGetCapRefs is the non-blocking acquisition core. Caller holds inode's
// lock. On success the need|want refs (less bits being revoked) are taken.
// doCheckCaps asks the caller to run checkCaps (auth-only) once the lock is
// dropped (max-size negotiation or want propagation).
//
func tryGetCapRefs(inode *inodeStruct, need uint64, want uint64, endOff uint64) (got uint64, doCheckCaps bool, err error) {
	var (
		anyCap      bool
		haveAuth    bool
		implemented uint64
		issued      uint64
		notTaken    uint64
		revoking    uint64
	)

	got = 0
	doCheckCaps = false

	if nil != inode.stickyErr {
		err = inode.stickyErr
		return
	}

	if (0 != (need & CapBitFileWr)) && !inode.isDir {
		if (nil != inode.authCap) && capIsValid(inode.authCap) && inode.authCap.session.readOnly {
			err = blunder.NewError(blunder.ReadOnlyError, "session 0x%016X is read-only", inode.authCap.sessionID)
			return
		}
		if (0 != endOff) && (endOff > inode.maxSize) {
			// ask the auth server for a larger extent, then have the
			// caller retry
			if endOff > inode.wantedMaxSize {
				inode.wantedMaxSize = endOff
			}
			doCheckCaps = (nil != inode.authCap) &&
				(0 != (inode.authCap.issued & CapBitFileWr)) &&
				(inode.wantedMaxSize > inode.maxSize) &&
				(inode.wantedMaxSize > inode.requestedMaxSize)
			err = blunder.NewError(blunder.FileTooLargeError, "endOff %d exceeds granted max size %d for inode 0x%016X", endOff, inode.maxSize, inode.inodeNumber)
			return
		}
	}

	issued, implemented = capsIssued(inode)

	if (issued & need) == need {
		revoking = implemented &^ issued
		notTaken = want &^ (issued & need)
		if 0 == (revoking & notTaken) {
			got = need | (want & issued &^ revoking)
			takeCapRefs(inode, got)
			if 0 != (got & CapMaskAnyFileRd) {
				inode.lastRead = time.Now()
			}
			if 0 != (got & CapMaskAnyFileWr) {
				inode.lastWrite = time.Now()
			}
			err = nil
			return
		}
		// wanted bits are mid-revocation; don't pile on
		err = blunder.NewError(blunder.TryAgainError, "caps 0x%04X being revoked on inode 0x%016X", revoking&notTaken, inode.inodeNumber)
		return
	}

	anyCap = false
	haveAuth = false
	forEachCap(inode, func(cap *capStruct) (keepGoing bool) {
		anyCap = true
		if (cap == inode.authCap) && capIsValid(cap) {
			haveAuth = true
		}
		keepGoing = true
		return
	})

	if anyCap && !haveAuth && (0 != (need & CapMaskAnyWr)) {
		err = blunder.NewError(blunder.TimedOut, "auth cap for inode 0x%016X is stale", inode.inodeNumber)
		return
	}

	// propagate the new want toward the auth server (if we have one)
	doCheckCaps = haveAuth && (0 != ((need | want) &^ capsMDSWanted(inode)))

	err = blunder.NewError(blunder.TryAgainError, "caps 0x%04X not issued for inode 0x%016X (have 0x%04X)", need, inode.inodeNumber, issued)
	return
}

func tryGetCaps(inodeNumber uint64, need uint64, want uint64, endOff uint64) (got uint64, err error) {
	var (
		doCheckCaps bool
		inode       *inodeStruct
		ok          bool
	)

	inode, ok = fetchInode(inodeNumber, true)
	if !ok {
		err = errUnknownInode(inodeNumber)
		return
	}

	inode.Lock()
	got, doCheckCaps, err = tryGetCapRefs(inode, need, want, endOff)
	inode.Unlock()

	if doCheckCaps {
		checkCaps(inode, checkCapsAuthOnly)
	}

	maybeEvictInode(inode)

	return
}

func getCaps(inodeNumber uint64, need uint64, want uint64, endOff uint64) (got uint64, err error) {
	var (
		doCheckCaps bool
		inode       *inodeStruct
		ok          bool
		waiter      *capWaiterStruct
		waitStart   time.Time
	)

	inode, ok = fetchInode(inodeNumber, true)
	if !ok {
		err = errUnknownInode(inodeNumber)
		return
	}

	for {
		inode.Lock()

		got, doCheckCaps, err = tryGetCapRefs(inode, need, want, endOff)
		if (nil == err) ||
			(!blunder.Is(err, blunder.TryAgainError) &&
				!blunder.Is(err, blunder.FileTooLargeError) &&
				!blunder.Is(err, blunder.TimedOut)) {
			inode.Unlock()
			if doCheckCaps {
				checkCaps(inode, checkCapsAuthOnly)
			}
			maybeEvictInode(inode)
			return
		}

		// transient; park until a grant (or renewal) changes the picture

		waiter = &capWaiterStruct{waitChan: make(chan struct{})}
		_ = inode.capWaiters.PushBack(waiter)

		inode.Unlock()

		if doCheckCaps {
			checkCaps(inode, checkCapsAuthOnly)
		}

		waitStart = time.Now()
		<-waiter.waitChan
		globals.stats.GetCapsWaitUsecs.Add(uint64(time.Since(waitStart) / time.Microsecond))
	}
}

func putCapRefsByInodeNumber(inodeNumber uint64, bits uint64) (err error) {
	var (
		checkSnaps bool
		inode      *inodeStruct
		lastBits   uint64
		ok         bool
	)

	inode, ok = fetchInode(inodeNumber, false)
	if !ok {
		err = errUnknownInode(inodeNumber)
		return
	}

	inode.Lock()

	lastBits = putCapRefs(inode, bits)

	checkSnaps = 0 != (lastBits & (CapBitFileBuffer | CapBitFileWr))

	if 0 != lastBits {
		wakeCapWaiters(inode)
	}

	inode.Unlock()

	if checkSnaps {
		maybeFlushCapSnaps(inode)
	}

	if 0 != lastBits {
		checkCaps(inode, 0)
	}

	maybeEvictInode(inode)

	err = nil
	return
}
