// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package icappkg

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/proxyfs/blunder"
)

func TestCapMessageRoundTrip(t *testing.T) {
	var (
		decoded *capMessageStruct
		err     error
		msg     *capMessageStruct
	)

	assert := assert.New(t)

	msg = &capMessageStruct{
		msgVersion:    currentCapMsgVersion,
		op:            capMsgOpGrant,
		inodeNumber:   testInodeNumber,
		capID:         testCapID1,
		seq:           3,
		issueSeq:      2,
		mseq:          1,
		caps:          testRegularCaps,
		wanted:        CapBitPin | CapBitFileRd,
		dirty:         CapBitFileExcl,
		flushTID:      42,
		snapFollows:   5,
		size:          1234,
		maxSize:       testMaxSize,
		truncateSeq:   7,
		truncateSize:  1000,
		mTimeUnixNano: time.Now().UnixNano(),
		aTimeUnixNano: time.Now().UnixNano() - 1000,
		cTimeUnixNano: time.Now().UnixNano() - 2000,
		uid:           1001,
		gid:           1002,
		unixMode:      0o644,
		nLink:         2,
		xattrVersion:  9,

		hasPeer:       true,
		peerSessionID: testSessionID2,
		peerCapID:     testCapID2,
		peerSeq:       11,
		peerMseq:      4,

		oldestFlushTID: 17,

		poolNamespace: "fastpool",

		bTimeUnixNano: time.Now().UnixNano() - 3000,
		changeAttr:    99,

		flags: capMsgFlagAuth | capMsgFlagReleasePeer,

		nFiles:   12,
		nSubDirs: 3,

		xattrBlob: []byte{0x01, 0x02, 0x03},

		fscryptAuth:     []byte{0xAA, 0xBB},
		fscryptFileSize: 1200,
	}

	decoded, err = unmarshalCapMessage(marshalCapMessage(msg))
	assert.Nil(err, "unmarshalCapMessage() of a freshly marshaled message")
	assert.Equal(msg, decoded, "round-trip at version %d", currentCapMsgVersion)
}

func TestCapMessageOlderVersion(t *testing.T) {
	var (
		decoded *capMessageStruct
		err     error
		msg     *capMessageStruct
	)

	assert := assert.New(t)

	// a version-2 sender emits only the header plus the v1 and v2 trailers;
	// later fields must decode to their zero values

	msg = &capMessageStruct{
		msgVersion:     2,
		op:             capMsgOpUpdate,
		inodeNumber:    testInodeNumber,
		capID:          testCapID1,
		seq:            1,
		caps:           CapBitPin | CapBitFileShared,
		hasPeer:        true,
		peerSessionID:  testSessionID2,
		peerCapID:      testCapID2,
		peerSeq:        6,
		peerMseq:       2,
		oldestFlushTID: 8,
	}

	decoded, err = unmarshalCapMessage(marshalCapMessage(msg))
	assert.Nil(err, "unmarshalCapMessage() of a version-2 message")
	assert.Equal(msg, decoded, "round-trip at version 2")
	assert.Equal("", decoded.poolNamespace)
	assert.Zero(decoded.flags)
	assert.Nil(decoded.xattrBlob)
	assert.Nil(decoded.fscryptAuth)
}

func TestCapMessageTruncated(t *testing.T) {
	var (
		err    error
		msgBuf []byte
	)

	assert := assert.New(t)

	msgBuf = marshalCapMessage(&capMessageStruct{
		msgVersion:    currentCapMsgVersion,
		op:            capMsgOpGrant,
		inodeNumber:   testInodeNumber,
		poolNamespace: "pool",
		xattrBlob:     []byte{0x01, 0x02},
	})

	// a chopped header and a chopped trailer must both fail cleanly

	_, err = unmarshalCapMessage(msgBuf[:10])
	assert.NotNil(err, "unmarshalCapMessage() of a chopped header")
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	_, err = unmarshalCapMessage(msgBuf[:len(msgBuf)-4])
	assert.NotNil(err, "unmarshalCapMessage() of a chopped trailer")
	assert.True(blunder.Is(err, blunder.InvalidArgError))
}

func TestCapTruncIdempotent(t *testing.T) {
	var (
		err   error
		inode *inodeStruct
		ok    bool
		size  uint64
	)

	testSetup(t, nil)
	defer testTeardown(t)

	testRegisterSession(t, testSessionID1)
	testOpenInode(t, testInodeNumber, OpenModeRd)
	testInstallCap(t, testSessionID1, testInodeNumber, testCapID1, testRegularCaps, 1, 1)
	_ = testCallbacks.drainSent()

	inode, ok = fetchInode(testInodeNumber, false)
	if !ok {
		t.Fatalf("fetchInode() failed")
	}

	testInject(t, testSessionID1, &capMessageStruct{
		op:          capMsgOpTrunc,
		inodeNumber: testInodeNumber,
		capID:       testCapID1,
		size:        100,
		truncateSeq: 1,
	})

	err = NoteCachedPages(testInodeNumber, 4, 0)
	if nil != err {
		t.Fatalf("NoteCachedPages() failed: %v", err)
	}

	// a newer truncation epoch applies and invalidates the cached pages

	testInject(t, testSessionID1, &capMessageStruct{
		op:           capMsgOpTrunc,
		inodeNumber:  testInodeNumber,
		capID:        testCapID1,
		size:         50,
		truncateSeq:  2,
		truncateSize: 50,
	})

	inode.Lock()
	size = inode.size
	inode.Unlock()
	if 50 != size {
		t.Fatalf("size %d after truncation; expected 50", size)
	}

	testCallbacks.Lock()
	if 0 == len(testCallbacks.invalidates) {
		t.Fatalf("truncation with cached clean pages did not queue invalidation")
	}
	testCallbacks.Unlock()

	// a redelivery of the same epoch is a no-op

	testInject(t, testSessionID1, &capMessageStruct{
		op:           capMsgOpTrunc,
		inodeNumber:  testInodeNumber,
		capID:        testCapID1,
		size:         50,
		truncateSeq:  2,
		truncateSize: 50,
	})

	// ...and a stale epoch is ignored outright

	testInject(t, testSessionID1, &capMessageStruct{
		op:          capMsgOpTrunc,
		inodeNumber: testInodeNumber,
		capID:       testCapID1,
		size:        999,
		truncateSeq: 1,
	})

	inode.Lock()
	size = inode.size
	if 50 != size {
		t.Fatalf("size %d after duplicate/stale truncations; expected 50", size)
	}
	if 2 != inode.truncateSeq {
		t.Fatalf("truncateSeq %d after duplicate/stale truncations; expected 2", inode.truncateSeq)
	}
	inode.Unlock()
}

func TestCapGrantRedeliveryIdempotent(t *testing.T) {
	var (
		first  string
		grant  *capMessageStruct
		inode  *inodeStruct
		ok     bool
		replay string
	)

	testSetup(t, nil)
	defer testTeardown(t)

	testRegisterSession(t, testSessionID1)
	testOpenInode(t, testInodeNumber, OpenModeRd)
	testInstallCap(t, testSessionID1, testInodeNumber, testCapID1, CapBitPin|CapBitFileShared, 1, 1)
	_ = testCallbacks.drainSent()

	inode, ok = fetchInode(testInodeNumber, false)
	if !ok {
		t.Fatalf("fetchInode() failed")
	}

	snapshot := func() (state string) {
		var (
			cap *capStruct
			ok  bool
		)

		inode.Lock()
		cap, ok = lookupCap(inode, testSessionID1)
		if !ok {
			inode.Unlock()
			t.Fatalf("cap disappeared")
		}
		state = fmt.Sprintf("issued 0x%04X implemented 0x%04X seq %d issueSeq %d mseq %d mdsWanted 0x%04X size %d maxSize %d",
			cap.issued, cap.implemented, cap.seq, cap.issueSeq, cap.mseq, cap.mdsWanted, inode.size, inode.maxSize)
		inode.Unlock()
		return
	}

	grant = &capMessageStruct{
		op:          capMsgOpGrant,
		inodeNumber: testInodeNumber,
		capID:       testCapID1,
		caps:        CapBitPin | CapBitFileShared | CapBitFileRd | CapBitFileCache,
		wanted:      CapBitPin | CapBitFileShared | CapBitFileRd | CapBitFileCache,
		seq:         2,
		issueSeq:    2,
		mseq:        1,
		size:        4096,
		maxSize:     testMaxSize,
	}

	testInject(t, testSessionID1, grant)
	first = snapshot()

	// a redelivery with the same seq must change nothing

	testInject(t, testSessionID1, grant)
	replay = snapshot()
	if first != replay {
		t.Fatalf("same-seq redelivery changed cap state:\n was %s\n now %s", first, replay)
	}

	// ...and neither may a stale redelivery with a lower seq

	grant.seq = 1
	grant.issueSeq = 1
	testInject(t, testSessionID1, grant)
	replay = snapshot()
	if first != replay {
		t.Fatalf("stale-seq redelivery changed cap state:\n was %s\n now %s", first, replay)
	}
}

func TestCapGrantUnknownInodeQueuesRelease(t *testing.T) {
	var (
		sent *testSentMessageStruct
	)

	testSetup(t, nil)
	defer testTeardown(t)

	testRegisterSession(t, testSessionID1)

	// a grant for an inode we do not track must bounce straight back as a
	// RELEASE so the server forgets the cap

	testInject(t, testSessionID1, &capMessageStruct{
		op:          capMsgOpGrant,
		inodeNumber: testInodeNumber2,
		capID:       testCapID1,
		caps:        CapBitPin | CapBitFileShared,
		seq:         1,
		issueSeq:    1,
		mseq:        1,
	})

	sent = testCallbacks.waitSentOp(t, capMsgOpRelease, time.Second)
	if (testInodeNumber2 != sent.msg.inodeNumber) || (testCapID1 != sent.msg.capID) {
		t.Fatalf("RELEASE names inode 0x%016X cap %d; expected 0x%016X cap %d",
			sent.msg.inodeNumber, sent.msg.capID, testInodeNumber2, testCapID1)
	}
	if testSessionID1 != sent.sessionID {
		t.Fatalf("RELEASE sent to session 0x%016X; expected 0x%016X", sent.sessionID, testSessionID1)
	}
}

func testAssertMigrated(t *testing.T, when string) {
	var (
		cap   *capStruct
		inode *inodeStruct
		ok    bool
	)

	inode, ok = fetchInode(testInodeNumber, false)
	if !ok {
		t.Fatalf("%s: fetchInode() failed", when)
	}

	inode.Lock()
	defer inode.Unlock()

	_, ok = lookupCap(inode, testSessionID1)
	if ok {
		t.Fatalf("%s: exporting session still holds a cap", when)
	}

	cap, ok = lookupCap(inode, testSessionID2)
	if !ok {
		t.Fatalf("%s: importing session holds no cap", when)
	}
	if testCapID2 != cap.capID {
		t.Fatalf("%s: migrated cap has capID %d; expected %d", when, cap.capID, testCapID2)
	}
	if testRegularCaps != cap.issued&testRegularCaps {
		t.Fatalf("%s: migrated cap issued 0x%04X lost bits", when, cap.issued)
	}
	if (nil == inode.authCap) || (testSessionID2 != inode.authCap.sessionID) {
		t.Fatalf("%s: auth did not transfer to the importing session", when)
	}
}

func testExportMessage() (msg *capMessageStruct) {
	msg = &capMessageStruct{
		op:            capMsgOpExport,
		inodeNumber:   testInodeNumber,
		capID:         testCapID1,
		hasPeer:       true,
		peerSessionID: testSessionID2,
		peerCapID:     testCapID2,
		peerSeq:       3,
		peerMseq:      2,
	}
	return
}

func testImportMessage() (msg *capMessageStruct) {
	msg = &capMessageStruct{
		op:            capMsgOpImport,
		inodeNumber:   testInodeNumber,
		capID:         testCapID2,
		caps:          testRegularCaps,
		wanted:        testRegularCaps,
		seq:           3,
		issueSeq:      3,
		mseq:          2,
		maxSize:       testMaxSize,
		flags:         capMsgFlagAuth,
		hasPeer:       true,
		peerSessionID: testSessionID1,
		peerCapID:     testCapID1,
		peerSeq:       1,
		peerMseq:      1,
	}
	return
}

func TestCapExportThenImport(t *testing.T) {
	testSetup(t, nil)
	defer testTeardown(t)

	testRegisterSession(t, testSessionID1)
	testRegisterSession(t, testSessionID2)
	testOpenInode(t, testInodeNumber, OpenModeRd)
	testInstallCap(t, testSessionID1, testInodeNumber, testCapID1, testRegularCaps, 1, 1)
	_ = testCallbacks.drainSent()

	testInject(t, testSessionID1, testExportMessage())
	testInject(t, testSessionID2, testImportMessage())

	testAssertMigrated(t, "EXPORT before IMPORT")
}

func TestCapImportThenExport(t *testing.T) {
	testSetup(t, nil)
	defer testTeardown(t)

	testRegisterSession(t, testSessionID1)
	testRegisterSession(t, testSessionID2)
	testOpenInode(t, testInodeNumber, OpenModeRd)
	testInstallCap(t, testSessionID1, testInodeNumber, testCapID1, testRegularCaps, 1, 1)
	_ = testCallbacks.drainSent()

	// arrival order reversed; the final state must be identical

	testInject(t, testSessionID2, testImportMessage())
	testInject(t, testSessionID1, testExportMessage())

	testAssertMigrated(t, "IMPORT before EXPORT")
}

func TestCapExportToUnregisteredSession(t *testing.T) {
	var (
		inode *inodeStruct
		ok    bool
	)

	testSetup(t, nil)
	defer testTeardown(t)

	testRegisterSession(t, testSessionID1)
	testOpenInode(t, testInodeNumber, OpenModeRd)
	testInstallCap(t, testSessionID1, testInodeNumber, testCapID1, testRegularCaps, 1, 1)
	_ = testCallbacks.drainSent()

	// the target session is not registered yet: the export parks its view
	// for the eventual IMPORT to reconcile

	testInject(t, testSessionID1, testExportMessage())

	inode, ok = fetchInode(testInodeNumber, false)
	if !ok {
		t.Fatalf("fetchInode() failed")
	}

	inode.Lock()
	if migrateStateExportSeen != inode.migration.state {
		t.Fatalf("migration state %d after EXPORT to unknown session; expected ExportSeen", inode.migration.state)
	}
	_, ok = lookupCap(inode, testSessionID1)
	if ok {
		t.Fatalf("exporting session still holds a cap")
	}
	inode.Unlock()

	// once the session registers and its IMPORT lands, the migration
	// resolves

	testRegisterSession(t, testSessionID2)
	testInject(t, testSessionID2, testImportMessage())

	testAssertMigrated(t, "EXPORT to late-registered session")

	inode.Lock()
	if migrateStateNoPending != inode.migration.state {
		t.Fatalf("migration state %d after reconciliation; expected NoPending", inode.migration.state)
	}
	inode.Unlock()
}

func TestCapImportSubsetAfterExportKeepsIssued(t *testing.T) {
	var (
		cap   *capStruct
		inode *inodeStruct
		msg   *capMessageStruct
		ok    bool
	)

	testSetup(t, nil)
	defer testTeardown(t)

	testRegisterSession(t, testSessionID1)
	testOpenInode(t, testInodeNumber, OpenModeRd)
	testInstallCap(t, testSessionID1, testInodeNumber, testCapID1, testRegularCaps, 1, 1)
	_ = testCallbacks.drainSent()

	testInject(t, testSessionID1, testExportMessage())

	// the late IMPORT grants fewer bits than were exported; the parked
	// issued set must survive the migration (an excess bit drains as a
	// normal revocation, never by silent loss)

	testRegisterSession(t, testSessionID2)

	msg = testImportMessage()
	msg.caps = CapBitPin | CapBitFileShared
	testInject(t, testSessionID2, msg)

	inode, ok = fetchInode(testInodeNumber, false)
	if !ok {
		t.Fatalf("fetchInode() failed")
	}

	inode.Lock()
	cap, ok = lookupCap(inode, testSessionID2)
	if !ok {
		t.Fatalf("importing session holds no cap")
	}
	if uint64(testRegularCaps) != cap.issued&testRegularCaps {
		t.Fatalf("migration narrowed issued to 0x%04X; expected all of 0x%04X", cap.issued, uint64(testRegularCaps))
	}
	inode.Unlock()
}
