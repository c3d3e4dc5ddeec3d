// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package icappkg

import (
	"testing"
	"time"
)

func TestCheckCapsSteadyStateSilence(t *testing.T) {
	var (
		inode *inodeStruct
		ok    bool
		sent  []*testSentMessageStruct
	)

	testSetup(t, nil)
	defer testTeardown(t)

	testRegisterSession(t, testSessionID1)
	testOpenInode(t, testInodeNumber, OpenModeRd)

	// issued exactly matches what an open-for-read inode retains

	testInstallCap(t, testSessionID1, testInodeNumber, testCapID1,
		CapBitPin|CapBitFileShared|CapBitFileRd|CapBitFileCache, 1, 1)
	_ = testCallbacks.drainSent()

	inode, ok = fetchInode(testInodeNumber, false)
	if !ok {
		t.Fatalf("fetchInode() failed")
	}

	checkCaps(inode, 0)

	// ...and give the delayed-check daemon a chance to misbehave

	time.Sleep(150 * time.Millisecond)

	sent = testCallbacks.drainSent()
	if 0 != len(sent) {
		t.Fatalf("steady state produced %d message(s); first op %d", len(sent), sent[0].msg.op)
	}
}

func TestCheckCapsDelayedRelease(t *testing.T) {
	var (
		err  error
		sent *testSentMessageStruct
	)

	testSetup(t, []string{
		"ICAP.CapsWantedDelayMin=10ms",
		"ICAP.CapsWantedDelayMax=30ms",
	})
	defer testTeardown(t)

	testRegisterSession(t, testSessionID1)
	testOpenInode(t, testInodeNumber, OpenModeWr)
	testInstallCap(t, testSessionID1, testInodeNumber, testCapID1, testRegularCaps, 1, 1)
	_ = testCallbacks.drainSent()

	// closing the handle starts the want decay; once it lapses, the
	// delayed-check daemon must voluntarily release the write caps

	err = CloseHandle(testInodeNumber, OpenModeWr)
	if nil != err {
		t.Fatalf("CloseHandle() failed: %v", err)
	}

	sent = testCallbacks.waitSentOp(t, capMsgOpUpdate, 2*time.Second)
	if 0 != (sent.msg.caps & CapMaskAnyFileWr) {
		t.Fatalf("delayed release retained write caps 0x%04X", sent.msg.caps)
	}
	if 0 != (sent.msg.wanted & CapMaskAnyFileWr) {
		t.Fatalf("delayed release still wants write caps 0x%04X", sent.msg.wanted)
	}
}

func TestCheckCapsHighBitSessionID(t *testing.T) {
	var (
		sent              *testSentMessageStruct
		testSessionIDHigh uint64
	)

	testSetup(t, nil)
	defer testTeardown(t)

	// session IDs are opaque; one with the top bit set must behave like
	// any other

	testSessionIDHigh = uint64(1) << 63

	testRegisterSession(t, testSessionIDHigh)
	testOpenInode(t, testInodeNumber, OpenModeRd)
	testInstallCap(t, testSessionIDHigh, testInodeNumber, testCapID1, testRegularCaps, 1, 1)
	_ = testCallbacks.drainSent()

	// revoking a bit nothing uses completes immediately, so an ack must
	// flow straight back

	testInject(t, testSessionIDHigh, &capMessageStruct{
		op:          capMsgOpRevoke,
		inodeNumber: testInodeNumber,
		capID:       testCapID1,
		caps:        testRegularCaps &^ CapBitFileWr,
		seq:         2,
		issueSeq:    2,
		mseq:        1,
		maxSize:     testMaxSize,
	})

	sent = testCallbacks.waitSentOp(t, capMsgOpUpdate, 2*time.Second)
	if testSessionIDHigh != sent.sessionID {
		t.Fatalf("revocation ack went to session 0x%016X; expected 0x%016X", sent.sessionID, testSessionIDHigh)
	}
	if 0 != (sent.msg.caps & CapBitFileWr) {
		t.Fatalf("revocation ack still claims FILE_WR (caps 0x%04X)", sent.msg.caps)
	}
}

func TestCheckCapsRevokeQueuesWriteback(t *testing.T) {
	var (
		deadline time.Time
		err      error
		queued   bool
	)

	testSetup(t, nil)
	defer testTeardown(t)

	testRegisterSession(t, testSessionID1)
	testOpenInode(t, testInodeNumber, OpenModeWr)
	testInstallCap(t, testSessionID1, testInodeNumber, testCapID1, testRegularCaps, 1, 1)
	_ = testCallbacks.drainSent()

	// buffered dirty pages pin FILE_BUFFER in use

	err = NoteCachedPages(testInodeNumber, 0, 4)
	if nil != err {
		t.Fatalf("NoteCachedPages() failed: %v", err)
	}

	testInject(t, testSessionID1, &capMessageStruct{
		op:          capMsgOpRevoke,
		inodeNumber: testInodeNumber,
		capID:       testCapID1,
		caps:        testRegularCaps &^ CapBitFileBuffer,
		seq:         2,
		issueSeq:    2,
		mseq:        1,
	})

	// revoking an in-use FILE_BUFFER must kick page writeback rather than
	// completing immediately

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		testCallbacks.Lock()
		queued = 0 != len(testCallbacks.writebacks)
		testCallbacks.Unlock()
		if queued {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !queued {
		t.Fatalf("FILE_BUFFER revocation with dirty pages did not queue writeback")
	}
}

func TestCheckCapsRevokeInvalidatesCache(t *testing.T) {
	var (
		cleanPageCount uint64
		deadline       time.Time
		err            error
		implemented    uint64
		inode          *inodeStruct
		issued         uint64
		ok             bool
	)

	testSetup(t, nil)
	defer testTeardown(t)

	testRegisterSession(t, testSessionID1)
	testOpenInode(t, testInodeNumber, OpenModeRd)
	testInstallCap(t, testSessionID1, testInodeNumber, testCapID1,
		CapBitPin|CapBitFileShared|CapBitFileRd|CapBitFileCache, 1, 1)
	_ = testCallbacks.drainSent()

	err = NoteCachedPages(testInodeNumber, 4, 0)
	if nil != err {
		t.Fatalf("NoteCachedPages() failed: %v", err)
	}

	inode, ok = fetchInode(testInodeNumber, false)
	if !ok {
		t.Fatalf("fetchInode() failed")
	}

	// revoking FILE_CACHE with clean pages and no read refs must invalidate
	// the cache and then complete the revocation

	testInject(t, testSessionID1, &capMessageStruct{
		op:          capMsgOpRevoke,
		inodeNumber: testInodeNumber,
		capID:       testCapID1,
		caps:        CapBitPin | CapBitFileShared | CapBitFileRd,
		seq:         2,
		issueSeq:    2,
		mseq:        1,
	})

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		inode.Lock()
		cleanPageCount = inode.cleanPageCount
		issued, implemented = capsIssued(inode)
		inode.Unlock()
		if (0 == cleanPageCount) && (0 == (implemented &^ issued)) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if 0 != cleanPageCount {
		t.Fatalf("cache invalidation did not clear the clean page count (%d)", cleanPageCount)
	}
	if 0 != (implemented &^ issued) {
		t.Fatalf("FILE_CACHE revocation did not complete: issued 0x%04X implemented 0x%04X", issued, implemented)
	}
}
