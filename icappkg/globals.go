// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package icappkg

import (
	"container/list"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/NVIDIA/proxyfs/bucketstats"
	"github.com/NVIDIA/proxyfs/conf"
	"github.com/NVIDIA/proxyfs/utils"
	"github.com/NVIDIA/sortedmap"
)

type configStruct struct {
	CapPoolMinCount      uint64 // free caps retained at steady state
	CapPoolMaxCount      uint64 // caps beyond this fail reservation (after one trim pass)
	CapsWantedDelayMin   time.Duration
	CapsWantedDelayMax   time.Duration
	SessionStaleInterval time.Duration
	DelayedCheckMaxPass  time.Duration
	MountReadOnly        bool
	LogFilePath          string // if "", no log file is maintained
	LogToConsole         bool
	TraceEnabled         bool
}

type statsStruct struct {
	GrantMessagesReceived        bucketstats.Total // op == capMsgOpGrant
	RevokeMessagesReceived       bucketstats.Total // op == capMsgOpRevoke
	TruncMessagesReceived        bucketstats.Total // op == capMsgOpTrunc
	ExportMessagesReceived       bucketstats.Total // op == capMsgOpExport
	ImportMessagesReceived       bucketstats.Total // op == capMsgOpImport
	FlushAckMessagesReceived     bucketstats.Total // op == capMsgOpFlushAck
	FlushSnapAckMessagesReceived bucketstats.Total // op == capMsgOpFlushSnapAck

	UpdateMessagesSent    bucketstats.Total // op == capMsgOpUpdate
	FlushMessagesSent     bucketstats.Total // op == capMsgOpFlush
	FlushSnapMessagesSent bucketstats.Total // op == capMsgOpFlushSnap
	ReleaseMessagesSent   bucketstats.Total // op == capMsgOpRelease

	CapPoolTrimPasses  bucketstats.Total
	DelayedCheckPasses bucketstats.Total

	CheckCapsUsecs   bucketstats.BucketLog2Round // checkCaps()
	GetCapsWaitUsecs bucketstats.BucketLog2Round // getCaps() blocked
	FlushWaitUsecs   bucketstats.BucketLog2Round // flushCaps() blocked
}

// capStruct records one session's capability grant for one inode. A cap is
// owned by exactly one inodeStruct.capSet entry and linked onto exactly one
// sessionStruct.capList.
//
type capStruct struct {
	inode          *inodeStruct
	session        *sessionStruct
	sessionID      uint64
	capID          uint64 // server's opaque grant id
	issued         uint64 // what the server currently grants
	implemented    uint64 // issued plus bits still being wound down locally
	mdsWanted      uint64 // what the server believes we want
	seq            uint64
	issueSeq       uint64
	mseq           uint64        // migration seq
	gen            uint64        // session generation at grant time
	sessionElement *list.Element // position on session.capList
}

// capFlushStruct records one outstanding "persist this dirty state" request.
// It is linked into both inode.capFlushList (ascending tid) and the global
// globals.flushTree.
//
type capFlushStruct struct {
	tid          uint64
	caps         uint64
	isCapSnap    bool
	wake         bool // a flushCaps() waiter depends on this record
	inode        *inodeStruct
	inodeElement *list.Element
}

func (capFlush *capFlushStruct) Less(than btree.Item) bool {
	return capFlush.tid < than.(*capFlushStruct).tid
}

// capSnapStruct captures dirty state at the moment a snapshot was taken.
//
type capSnapStruct struct {
	follows     uint64
	dirty       uint64
	snapContext *SnapContext
	capFlush    capFlushStruct
	element     *list.Element // position on inode.capSnapList
	flushing    bool          // FLUSHSNAP sent, awaiting ack
}

const (
	migrateStateNoPending uint8 = iota
	migrateStateExportSeen
	migrateStateImportSeen
)

// migrationStruct is the explicit export/import reordering state for one
// inode: either side of the handshake may arrive first.
//
type migrationStruct struct {
	state      uint8
	fromID     uint64 // exporting session
	toID       uint64 // importing session
	peerCapID  uint64
	peerSeq    uint64
	peerMseq   uint64
	issued     uint64 // bits in flight (ExportSeen)
}

type flushWaiterStruct struct {
	tid      uint64 // woken once no record with tid <= this remains
	waitChan chan struct{}
}

type capWaiterStruct struct {
	waitChan chan struct{}
}

const openModeCount = 3 // OpenModePin, OpenModeRd, OpenModeWr

type inodeStruct struct {
	sync.Mutex // the per-inode lock (see lock ordering in checkcaps.go)

	inodeNumber uint64
	isDir       bool
	dirComplete bool

	capSet  sortedmap.LLRBTree // sessionID (uint64) -> *capStruct
	authCap *capStruct         // weak; owned by capSet

	dirtyCaps    uint64
	flushingCaps uint64
	capFlushList *list.List // *capFlushStruct, ascending tid
	capSnapList  *list.List // *capSnapStruct, ascending follows

	dirtyElement    *list.Element  // position on dirtySession.dirtyList (nil if clean)
	dirtySession    *sessionStruct // session whose dirtyList holds dirtyElement
	flushingElement *list.Element  // position on flushingSession.flushingList (nil if not flushing)
	flushingSession *sessionStruct

	pinRef     uint64
	rdRef      uint64
	rdcacheRef uint64
	wrRef      uint64
	wbRef      uint64
	exclRef    uint64

	cleanPageCount uint64
	dirtyPageCount uint64

	openCount [openModeCount]uint64
	lastRead  time.Time
	lastWrite time.Time

	size             uint64
	reportedSize     uint64
	maxSize          uint64
	wantedMaxSize    uint64
	requestedMaxSize uint64
	truncateSeq      uint64
	truncateSize     uint64
	mTime            time.Time
	aTime            time.Time
	cTime            time.Time
	uid              uint32
	gid              uint32
	unixMode         uint32
	nLink            uint32
	xattrVersion     uint64
	changeAttr       uint64

	holdCapsUntil time.Time
	delayElement  *list.Element // position on globals.delayList (nil if absent)
	flushNow      bool          // delayed entry should flush, not just recheck
	kickFlush     bool          // outstanding flushes need re-sending

	invalidatePending bool // an async cache invalidate has been queued

	migration migrationStruct

	stickyErr error

	capWaiters   *list.List // *capWaiterStruct
	flushWaiters *list.List // *flushWaiterStruct
}

type sessionStruct struct {
	sync.Mutex // protects capList/dirtyList/flushingList/releaseList membership

	sessionID     uint64
	gen           uint64
	staleDeadline time.Time
	readOnly      bool

	capList      *list.List // *capStruct, LRU order (front == least recently granted)
	dirtyList    *list.List // *inodeStruct with dirtyCaps != 0
	flushingList *list.List // *inodeStruct with flushingCaps != 0
	releaseList  *list.List // *capReleaseStruct queued for a RELEASE message
}

type capPoolStruct struct {
	sync.Mutex
	total     uint64
	used      uint64
	reserved  uint64
	available uint64
	freeList  *list.List // *capStruct
}

type globalsStruct struct {
	sync.Mutex // protects inodeTable & sessionTable

	config configStruct

	logFile *os.File // == nil if configStruct.LogFilePath == ""

	callbacks Callbacks

	inodeTable   sortedmap.LLRBTree // inodeNumber (uint64) -> *inodeStruct
	sessionTable sortedmap.LLRBTree // sessionID   (uint64) -> *sessionStruct

	capPool capPoolStruct

	flushLock    sync.Mutex // global flush-tid lock; nests inside an inode lock
	lastFlushTID uint64
	flushTree    *btree.BTree // *capFlushStruct ordered by tid

	delayLock sync.Mutex // never held while acquiring an inode lock
	delayList *list.List // *inodeStruct ordered by holdCapsUntil

	delayDaemonStopChan chan struct{}
	delayDaemonKickChan chan struct{}
	delayDaemonWG       sync.WaitGroup

	stats *statsStruct
}

var globals globalsStruct

func initializeGlobals(confMap conf.ConfMap, callbacks Callbacks) (err error) {
	// Default logging related globals

	globals.config.LogFilePath = ""
	globals.config.LogToConsole = true
	globals.logFile = nil

	// Process resultant confMap

	globals.config.CapPoolMinCount, err = confMap.FetchOptionValueUint64("ICAP", "CapPoolMinCount")
	if nil != err {
		logFatal(err)
	}
	globals.config.CapPoolMaxCount, err = confMap.FetchOptionValueUint64("ICAP", "CapPoolMaxCount")
	if nil != err {
		logFatal(err)
	}
	globals.config.CapsWantedDelayMin, err = confMap.FetchOptionValueDuration("ICAP", "CapsWantedDelayMin")
	if nil != err {
		logFatal(err)
	}
	globals.config.CapsWantedDelayMax, err = confMap.FetchOptionValueDuration("ICAP", "CapsWantedDelayMax")
	if nil != err {
		logFatal(err)
	}
	globals.config.SessionStaleInterval, err = confMap.FetchOptionValueDuration("ICAP", "SessionStaleInterval")
	if nil != err {
		logFatal(err)
	}
	globals.config.DelayedCheckMaxPass, err = confMap.FetchOptionValueDuration("ICAP", "DelayedCheckMaxPass")
	if nil != err {
		logFatal(err)
	}
	globals.config.MountReadOnly, err = confMap.FetchOptionValueBool("ICAP", "MountReadOnly")
	if nil != err {
		logFatal(err)
	}
	globals.config.LogFilePath, err = confMap.FetchOptionValueString("ICAP", "LogFilePath")
	if nil != err {
		err = confMap.VerifyOptionValueIsEmpty("ICAP", "LogFilePath")
		if nil == err {
			globals.config.LogFilePath = ""
		} else {
			logFatalf("[ICAP]LogFilePath must either be a valid string or empty]")
		}
	}
	globals.config.LogToConsole, err = confMap.FetchOptionValueBool("ICAP", "LogToConsole")
	if nil != err {
		logFatal(err)
	}
	globals.config.TraceEnabled, err = confMap.FetchOptionValueBool("ICAP", "TraceEnabled")
	if nil != err {
		logFatal(err)
	}

	if globals.config.CapPoolMinCount > globals.config.CapPoolMaxCount {
		logFatalf("[ICAP]CapPoolMinCount (%d) must not exceed [ICAP]CapPoolMaxCount (%d)",
			globals.config.CapPoolMinCount, globals.config.CapPoolMaxCount)
	}
	if globals.config.CapsWantedDelayMin > globals.config.CapsWantedDelayMax {
		logFatalf("[ICAP]CapsWantedDelayMin (%v) must not exceed [ICAP]CapsWantedDelayMax (%v)",
			globals.config.CapsWantedDelayMin, globals.config.CapsWantedDelayMax)
	}

	configJSONified := utils.JSONify(globals.config, true)

	logInfof("globals.config:\n%s", configJSONified)

	globals.callbacks = callbacks

	globals.inodeTable = sortedmap.NewLLRBTree(sortedmap.CompareUint64, &globals)
	globals.sessionTable = sortedmap.NewLLRBTree(sortedmap.CompareUint64, &globals)

	globals.capPool.total = 0
	globals.capPool.used = 0
	globals.capPool.reserved = 0
	globals.capPool.available = 0
	globals.capPool.freeList = list.New()

	globals.lastFlushTID = 0
	globals.flushTree = btree.New(2)

	globals.delayList = list.New()

	globals.stats = &statsStruct{}

	bucketstats.Register("ICAP", "", globals.stats)

	err = nil
	return
}

func uninitializeGlobals() (err error) {
	globals.callbacks = nil

	globals.inodeTable = nil
	globals.sessionTable = nil

	globals.capPool.total = 0
	globals.capPool.used = 0
	globals.capPool.reserved = 0
	globals.capPool.available = 0
	globals.capPool.freeList = nil

	globals.lastFlushTID = 0
	globals.flushTree = nil

	globals.delayList = nil

	bucketstats.UnRegister("ICAP", "")

	globals.stats = nil

	err = nil
	return
}

// DumpKey formats inodeTable/sessionTable keys for sortedmap dumps.
//
func (dummy *globalsStruct) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsUint64, ok := key.(uint64)
	if !ok {
		err = fmt.Errorf("icappkg.globalsStruct.DumpKey(key:%v) called with non-uint64", key)
		return
	}

	keyAsString = fmt.Sprintf("0x%016X", keyAsUint64)

	err = nil
	return
}

// DumpValue formats inodeTable/sessionTable values for sortedmap dumps.
//
func (dummy *globalsStruct) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	valueAsString = fmt.Sprintf("%p", value)

	err = nil
	return
}

// fetchInode returns the inodeStruct tracking inodeNumber, creating (and
// linking) one if create is set. Caller must not hold any inode lock.
//
func fetchInode(inodeNumber uint64, create bool) (inode *inodeStruct, ok bool) {
	var (
		err   error
		value sortedmap.Value
	)

	globals.Lock()

	value, ok, err = globals.inodeTable.GetByKey(inodeNumber)
	if nil != err {
		logFatalf("globals.inodeTable.GetByKey(0x%016X) failed: %v", inodeNumber, err)
	}

	if ok {
		inode = value.(*inodeStruct)
		globals.Unlock()
		return
	}

	if !create {
		globals.Unlock()
		return
	}

	inode = &inodeStruct{
		inodeNumber:  inodeNumber,
		capSet:       sortedmap.NewLLRBTree(sortedmap.CompareUint64, &globals),
		capFlushList: list.New(),
		capSnapList:  list.New(),
		capWaiters:   list.New(),
		flushWaiters: list.New(),
	}

	ok, err = globals.inodeTable.Put(inodeNumber, inode)
	if nil != err {
		logFatalf("globals.inodeTable.Put(0x%016X,) failed: %v", inodeNumber, err)
	}
	if !ok {
		logFatalf("globals.inodeTable.Put(0x%016X,) returned !ok", inodeNumber)
	}

	globals.Unlock()

	return
}

// maybeEvictInode drops inode from the inodeTable once nothing references
// it: no caps, no refs, no dirty/flushing state, no delayed-release or
// waiter membership, and no open handles. Caller must not hold inode's lock.
//
func maybeEvictInode(inode *inodeStruct) {
	var (
		err       error
		numCaps   int
		openCount uint64
		openMode  uint8
	)

	globals.Lock()
	inode.Lock()

	numCaps, err = inode.capSet.Len()
	if nil != err {
		logFatalf("inode.capSet.Len() failed: %v", err)
	}

	openCount = 0
	for openMode = 0; openMode < openModeCount; openMode++ {
		openCount += inode.openCount[openMode]
	}

	if (0 != numCaps) ||
		(0 != inode.dirtyCaps) ||
		(0 != inode.flushingCaps) ||
		(0 != inode.capFlushList.Len()) ||
		(0 != inode.capSnapList.Len()) ||
		capDelayQueued(inode) ||
		(0 != inode.capWaiters.Len()) ||
		(0 != inode.flushWaiters.Len()) ||
		(0 != openCount) ||
		(0 != (inode.pinRef + inode.rdRef + inode.rdcacheRef + inode.wrRef + inode.wbRef + inode.exclRef)) {
		inode.Unlock()
		globals.Unlock()
		return
	}

	_, err = globals.inodeTable.DeleteByKey(inode.inodeNumber)
	if nil != err {
		logFatalf("globals.inodeTable.DeleteByKey(0x%016X) failed: %v", inode.inodeNumber, err)
	}

	inode.Unlock()
	globals.Unlock()
}

// fetchSession returns the sessionStruct for sessionID (nil if unknown).
//
func fetchSession(sessionID uint64) (session *sessionStruct, ok bool) {
	var (
		err   error
		value sortedmap.Value
	)

	globals.Lock()

	value, ok, err = globals.sessionTable.GetByKey(sessionID)
	if nil != err {
		logFatalf("globals.sessionTable.GetByKey(0x%016X) failed: %v", sessionID, err)
	}

	if ok {
		session = value.(*sessionStruct)
	}

	globals.Unlock()

	return
}
