// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package icappkg

import (
	"sync"
	"testing"
	"time"

	"github.com/NVIDIA/proxyfs/conf"
)

const (
	testSessionID1 uint64 = 101
	testSessionID2 uint64 = 102

	testInodeNumber  uint64 = 0x1001
	testInodeNumber2 uint64 = 0x1002

	testCapID1 uint64 = 9001
	testCapID2 uint64 = 9002

	testMaxSize uint64 = 1 << 20

	testRegularCaps = CapBitPin | CapBitAuthShared | CapBitLinkShared | CapBitXattrShared |
		CapBitFileShared | CapBitFileCache | CapBitFileRd | CapBitFileWr | CapBitFileBuffer | CapBitFileExcl
)

type testSentMessageStruct struct {
	sessionID uint64
	msg       *capMessageStruct
}

type testCallbacksStruct struct {
	sync.Mutex
	sent            []*testSentMessageStruct
	firstDirty      []uint64
	writebacks      []uint64
	invalidates     []uint64
	tryInvalidateOK bool
}

var testCallbacks *testCallbacksStruct

func (callbacks *testCallbacksStruct) SendCapMessage(sessionID uint64, msgBuf []byte) (err error) {
	var (
		msg *capMessageStruct
	)

	msg, err = unmarshalCapMessage(msgBuf)
	if nil != err {
		return
	}

	callbacks.Lock()
	callbacks.sent = append(callbacks.sent, &testSentMessageStruct{sessionID: sessionID, msg: msg})
	callbacks.Unlock()

	err = nil
	return
}

func (callbacks *testCallbacksStruct) NoteFirstDirty(inodeNumber uint64) {
	callbacks.Lock()
	callbacks.firstDirty = append(callbacks.firstDirty, inodeNumber)
	callbacks.Unlock()
}

func (callbacks *testCallbacksStruct) QueueWriteback(inodeNumber uint64) {
	callbacks.Lock()
	callbacks.writebacks = append(callbacks.writebacks, inodeNumber)
	callbacks.Unlock()
}

func (callbacks *testCallbacksStruct) TryInvalidateCache(inodeNumber uint64) (invalidated bool) {
	callbacks.Lock()
	invalidated = callbacks.tryInvalidateOK
	callbacks.Unlock()
	return
}

func (callbacks *testCallbacksStruct) QueueInvalidate(inodeNumber uint64) {
	callbacks.Lock()
	callbacks.invalidates = append(callbacks.invalidates, inodeNumber)
	callbacks.Unlock()
}

func (callbacks *testCallbacksStruct) drainSent() (sent []*testSentMessageStruct) {
	callbacks.Lock()
	sent = callbacks.sent
	callbacks.sent = nil
	callbacks.Unlock()
	return
}

// waitSentOp polls for an outbound message with the given op (sends from
// other goroutines, e.g. a woken getCaps caller's checkCaps, are async).
//
func (callbacks *testCallbacksStruct) waitSentOp(t *testing.T, op uint32, timeout time.Duration) (sent *testSentMessageStruct) {
	var (
		deadline time.Time
		index    int
	)

	deadline = time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		callbacks.Lock()
		for index = range callbacks.sent {
			if callbacks.sent[index].msg.op == op {
				sent = callbacks.sent[index]
				callbacks.sent = append(callbacks.sent[:index], callbacks.sent[index+1:]...)
				callbacks.Unlock()
				return
			}
		}
		callbacks.Unlock()
		time.Sleep(time.Millisecond)
	}

	t.Fatalf("no outbound message with op %d within %v", op, timeout)
	return
}

func testConfStrings() (confStrings []string) {
	confStrings = []string{
		"ICAP.CapPoolMinCount=4",
		"ICAP.CapPoolMaxCount=32",
		"ICAP.CapsWantedDelayMin=10ms",
		"ICAP.CapsWantedDelayMax=100ms",
		"ICAP.SessionStaleInterval=1h",
		"ICAP.DelayedCheckMaxPass=5s",
		"ICAP.MountReadOnly=false",
		"ICAP.LogFilePath=",
		"ICAP.LogToConsole=false",
		"ICAP.TraceEnabled=false",
	}
	return
}

func testSetup(t *testing.T, confOverrides []string) {
	var (
		confMap conf.ConfMap
		err     error
	)

	confMap, err = conf.MakeConfMapFromStrings(testConfStrings())
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings(confStrings) failed: %v", err)
	}

	if nil != confOverrides {
		err = confMap.UpdateFromStrings(confOverrides)
		if nil != err {
			t.Fatalf("confMap.UpdateFromStrings(confOverrides) failed: %v", err)
		}
	}

	testCallbacks = &testCallbacksStruct{tryInvalidateOK: true}

	err = Start(confMap, testCallbacks)
	if nil != err {
		t.Fatalf("Start(confMap, testCallbacks) failed: %v", err)
	}
}

func testTeardown(t *testing.T) {
	var (
		err error
	)

	err = Stop()
	if nil != err {
		t.Fatalf("Stop() failed: %v", err)
	}

	testCallbacks = nil
}

// testInject marshals msg and feeds it through the inbound dispatcher as if
// it arrived on sessionID's transport.
//
func testInject(t *testing.T, sessionID uint64, msg *capMessageStruct) {
	var (
		err error
	)

	msg.msgVersion = currentCapMsgVersion

	err = HandleCapMessage(sessionID, marshalCapMessage(msg))
	if nil != err {
		t.Fatalf("HandleCapMessage(0x%016X, op %d) failed: %v", sessionID, msg.op, err)
	}
}

// testInstallCap makes sessionID the auth grantor of caps on inodeNumber
// via an IMPORT with no peer (the initial-grant path).
//
func testInstallCap(t *testing.T, sessionID uint64, inodeNumber uint64, capID uint64, caps uint64, seq uint64, mseq uint64) {
	testInject(t, sessionID, &capMessageStruct{
		op:          capMsgOpImport,
		inodeNumber: inodeNumber,
		capID:       capID,
		caps:        caps,
		wanted:      caps,
		seq:         seq,
		issueSeq:    seq,
		mseq:        mseq,
		maxSize:     testMaxSize,
		flags:       capMsgFlagAuth,
	})
}

// testOpenInode makes inodeNumber tracked (and wanted) via an open handle.
//
func testOpenInode(t *testing.T, inodeNumber uint64, openMode uint8) {
	var (
		err error
	)

	err = OpenHandle(inodeNumber, openMode)
	if nil != err {
		t.Fatalf("OpenHandle(0x%016X, %d) failed: %v", inodeNumber, openMode, err)
	}
}

func testRegisterSession(t *testing.T, sessionID uint64) {
	var (
		err error
	)

	err = RegisterSession(sessionID)
	if nil != err {
		t.Fatalf("RegisterSession(0x%016X) failed: %v", sessionID, err)
	}
}
