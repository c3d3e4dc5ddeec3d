// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package icappkg

import (
	"time"

	"github.com/NVIDIA/cstruct"

	"github.com/NVIDIA/proxyfs/blunder"
)

// Cap message ops. Grant..FlushSnapAck arrive from servers; Update..Release
// are sent by this client.
//
const (
	capMsgOpGrant        uint32 = 1
	capMsgOpRevoke       uint32 = 2
	capMsgOpTrunc        uint32 = 3
	capMsgOpExport       uint32 = 4
	capMsgOpImport       uint32 = 5
	capMsgOpFlushAck     uint32 = 6
	capMsgOpFlushSnapAck uint32 = 7
	capMsgOpUpdate       uint32 = 8
	capMsgOpFlush        uint32 = 9
	capMsgOpFlushSnap    uint32 = 10
	capMsgOpRelease      uint32 = 11
)

// Flags carried in the V5 trailer.
//
const (
	capMsgFlagAuth        uint64 = 1 << 0 // IMPORT: this cap is the auth cap
	capMsgFlagReleasePeer uint64 = 1 << 1 // IMPORT: queue a RELEASE for the peer cap
)

// The wire format is a fixed little-endian header followed by append-only
// versioned trailers. A decoder understanding version N consumes the
// header plus trailers 1..min(N,msgVersion) and ignores the rest, so old
// and new clients interoperate in both directions.
//
//	v1: peer record       (EXPORT/IMPORT migration handshake)
//	v2: oldest flush tid  (server-side flush log trimming)
//	v3: pool namespace    (length-prefixed string)
//	v4: btime + change attribute
//	v5: flags
//	v6: directory entry counts
//	v7: xattr blob        (length-prefixed)
//	v8: fscrypt auth blob (length-prefixed) + fscrypt file size
//
const currentCapMsgVersion uint16 = 8

type capMessageHeaderOnDiskStruct struct {
	MsgVersion    uint16
	Op            uint32
	InodeNumber   uint64
	CapID         uint64
	Seq           uint64
	IssueSeq      uint64
	Mseq          uint64
	Caps          uint64
	Wanted        uint64
	Dirty         uint64
	FlushTID      uint64
	SnapFollows   uint64
	Size          uint64
	MaxSize       uint64
	TruncateSeq   uint64
	TruncateSize  uint64
	MTimeUnixNano uint64
	ATimeUnixNano uint64
	CTimeUnixNano uint64
	UID           uint32
	GID           uint32
	UnixMode      uint32
	NLink         uint32
	XattrVersion  uint64
}

type capMessagePeerOnDiskV1Struct struct {
	HasPeer       uint8
	PeerSessionID uint64
	PeerCapID     uint64
	PeerSeq       uint64
	PeerMseq      uint64
}

type capMessageOldestOnDiskV2Struct struct {
	OldestFlushTID uint64
}

type capMessageBTimeOnDiskV4Struct struct {
	BTimeUnixNano uint64
	ChangeAttr    uint64
}

type capMessageFlagsOnDiskV5Struct struct {
	Flags uint64
}

type capMessageDirStatsOnDiskV6Struct struct {
	NFiles   uint64
	NSubDirs uint64
}

type capMessageFscryptOnDiskV8Struct struct {
	FscryptFileSize uint64
}

// capMessageStruct is the in-memory form of one cap message (both
// directions).
//
type capMessageStruct struct {
	msgVersion    uint16
	op            uint32
	inodeNumber   uint64
	capID         uint64
	seq           uint64
	issueSeq      uint64
	mseq          uint64
	caps          uint64
	wanted        uint64
	dirty         uint64
	flushTID      uint64
	snapFollows   uint64
	size          uint64
	maxSize       uint64
	truncateSeq   uint64
	truncateSize  uint64
	mTimeUnixNano int64
	aTimeUnixNano int64
	cTimeUnixNano int64
	uid           uint32
	gid           uint32
	unixMode      uint32
	nLink         uint32
	xattrVersion  uint64

	hasPeer       bool   // v1
	peerSessionID uint64 // v1
	peerCapID     uint64 // v1
	peerSeq       uint64 // v1
	peerMseq      uint64 // v1

	oldestFlushTID uint64 // v2

	poolNamespace string // v3

	bTimeUnixNano int64  // v4
	changeAttr    uint64 // v4

	flags uint64 // v5

	nFiles   uint64 // v6
	nSubDirs uint64 // v6

	xattrBlob []byte // v7

	fscryptAuth     []byte // v8
	fscryptFileSize uint64 // v8
}

// capReleaseStruct is one queued "we no longer hold this cap" record,
// drained into RELEASE messages by flushSessionCapReleases().
//
type capReleaseStruct struct {
	inodeNumber uint64
	capID       uint64
	seq         uint64
	issueSeq    uint64
	mseq        uint64
}

func packOrPanic(val interface{}) (buf []byte) {
	var (
		err error
	)

	buf, err = cstruct.Pack(val, cstruct.LittleEndian)
	if nil != err {
		logFatalf("cstruct.Pack(%T) failed: %v", val, err)
	}

	return
}

func marshalCapMessage(msg *capMessageStruct) (msgBuf []byte) {
	var (
		hasPeer uint8
	)

	msgBuf = packOrPanic(&capMessageHeaderOnDiskStruct{
		MsgVersion:    msg.msgVersion,
		Op:            msg.op,
		InodeNumber:   msg.inodeNumber,
		CapID:         msg.capID,
		Seq:           msg.seq,
		IssueSeq:      msg.issueSeq,
		Mseq:          msg.mseq,
		Caps:          msg.caps,
		Wanted:        msg.wanted,
		Dirty:         msg.dirty,
		FlushTID:      msg.flushTID,
		SnapFollows:   msg.snapFollows,
		Size:          msg.size,
		MaxSize:       msg.maxSize,
		TruncateSeq:   msg.truncateSeq,
		TruncateSize:  msg.truncateSize,
		MTimeUnixNano: uint64(msg.mTimeUnixNano),
		ATimeUnixNano: uint64(msg.aTimeUnixNano),
		CTimeUnixNano: uint64(msg.cTimeUnixNano),
		UID:           msg.uid,
		GID:           msg.gid,
		UnixMode:      msg.unixMode,
		NLink:         msg.nLink,
		XattrVersion:  msg.xattrVersion,
	})

	if 1 > msg.msgVersion {
		return
	}

	if msg.hasPeer {
		hasPeer = 1
	} else {
		hasPeer = 0
	}
	msgBuf = append(msgBuf, packOrPanic(&capMessagePeerOnDiskV1Struct{
		HasPeer:       hasPeer,
		PeerSessionID: msg.peerSessionID,
		PeerCapID:     msg.peerCapID,
		PeerSeq:       msg.peerSeq,
		PeerMseq:      msg.peerMseq,
	})...)

	if 2 > msg.msgVersion {
		return
	}

	msgBuf = append(msgBuf, packOrPanic(&capMessageOldestOnDiskV2Struct{OldestFlushTID: msg.oldestFlushTID})...)

	if 3 > msg.msgVersion {
		return
	}

	msgBuf = append(msgBuf, packOrPanic(uint32(len(msg.poolNamespace)))...)
	msgBuf = append(msgBuf, []byte(msg.poolNamespace)...)

	if 4 > msg.msgVersion {
		return
	}

	msgBuf = append(msgBuf, packOrPanic(&capMessageBTimeOnDiskV4Struct{
		BTimeUnixNano: uint64(msg.bTimeUnixNano),
		ChangeAttr:    msg.changeAttr,
	})...)

	if 5 > msg.msgVersion {
		return
	}

	msgBuf = append(msgBuf, packOrPanic(&capMessageFlagsOnDiskV5Struct{Flags: msg.flags})...)

	if 6 > msg.msgVersion {
		return
	}

	msgBuf = append(msgBuf, packOrPanic(&capMessageDirStatsOnDiskV6Struct{
		NFiles:   msg.nFiles,
		NSubDirs: msg.nSubDirs,
	})...)

	if 7 > msg.msgVersion {
		return
	}

	msgBuf = append(msgBuf, packOrPanic(uint32(len(msg.xattrBlob)))...)
	msgBuf = append(msgBuf, msg.xattrBlob...)

	if 8 > msg.msgVersion {
		return
	}

	msgBuf = append(msgBuf, packOrPanic(uint32(len(msg.fscryptAuth)))...)
	msgBuf = append(msgBuf, msg.fscryptAuth...)
	msgBuf = append(msgBuf, packOrPanic(&capMessageFscryptOnDiskV8Struct{FscryptFileSize: msg.fscryptFileSize})...)

	return
}

func errBadCapMessage(format string, args ...interface{}) (err error) {
	err = blunder.NewError(blunder.InvalidArgError, "bad cap message: "+format, args...)
	return
}

func unmarshalBlob(msgBuf []byte, off uint64) (blob []byte, newOff uint64, err error) {
	var (
		blobLen       uint32
		bytesConsumed uint64
	)

	bytesConsumed, err = cstruct.Unpack(msgBuf[off:], &blobLen, cstruct.LittleEndian)
	if nil != err {
		err = errBadCapMessage("truncated blob length at offset %d", off)
		return
	}
	off += bytesConsumed

	if uint64(len(msgBuf)) < off+uint64(blobLen) {
		err = errBadCapMessage("blob of %d bytes at offset %d overruns %d-byte message", blobLen, off, len(msgBuf))
		return
	}

	blob = msgBuf[off : off+uint64(blobLen)]
	newOff = off + uint64(blobLen)

	err = nil
	return
}

func unmarshalCapMessage(msgBuf []byte) (msg *capMessageStruct, err error) {
	var (
		blob          []byte
		bTime         capMessageBTimeOnDiskV4Struct
		bytesConsumed uint64
		dirStats      capMessageDirStatsOnDiskV6Struct
		flags         capMessageFlagsOnDiskV5Struct
		fscryptTail   capMessageFscryptOnDiskV8Struct
		header        capMessageHeaderOnDiskStruct
		off           uint64
		oldest        capMessageOldestOnDiskV2Struct
		peer          capMessagePeerOnDiskV1Struct
	)

	bytesConsumed, err = cstruct.Unpack(msgBuf, &header, cstruct.LittleEndian)
	if nil != err {
		err = errBadCapMessage("truncated header (%d bytes)", len(msgBuf))
		return
	}
	off = bytesConsumed

	msg = &capMessageStruct{
		msgVersion:    header.MsgVersion,
		op:            header.Op,
		inodeNumber:   header.InodeNumber,
		capID:         header.CapID,
		seq:           header.Seq,
		issueSeq:      header.IssueSeq,
		mseq:          header.Mseq,
		caps:          header.Caps,
		wanted:        header.Wanted,
		dirty:         header.Dirty,
		flushTID:      header.FlushTID,
		snapFollows:   header.SnapFollows,
		size:          header.Size,
		maxSize:       header.MaxSize,
		truncateSeq:   header.TruncateSeq,
		truncateSize:  header.TruncateSize,
		mTimeUnixNano: int64(header.MTimeUnixNano),
		aTimeUnixNano: int64(header.ATimeUnixNano),
		cTimeUnixNano: int64(header.CTimeUnixNano),
		uid:           header.UID,
		gid:           header.GID,
		unixMode:      header.UnixMode,
		nLink:         header.NLink,
		xattrVersion:  header.XattrVersion,
	}

	if 1 > header.MsgVersion {
		return
	}

	bytesConsumed, err = cstruct.Unpack(msgBuf[off:], &peer, cstruct.LittleEndian)
	if nil != err {
		err = errBadCapMessage("truncated v1 peer record at offset %d", off)
		return
	}
	off += bytesConsumed

	msg.hasPeer = 0 != peer.HasPeer
	msg.peerSessionID = peer.PeerSessionID
	msg.peerCapID = peer.PeerCapID
	msg.peerSeq = peer.PeerSeq
	msg.peerMseq = peer.PeerMseq

	if 2 > header.MsgVersion {
		return
	}

	bytesConsumed, err = cstruct.Unpack(msgBuf[off:], &oldest, cstruct.LittleEndian)
	if nil != err {
		err = errBadCapMessage("truncated v2 trailer at offset %d", off)
		return
	}
	off += bytesConsumed

	msg.oldestFlushTID = oldest.OldestFlushTID

	if 3 > header.MsgVersion {
		return
	}

	blob, off, err = unmarshalBlob(msgBuf, off)
	if nil != err {
		return
	}
	msg.poolNamespace = string(blob)

	if 4 > header.MsgVersion {
		return
	}

	bytesConsumed, err = cstruct.Unpack(msgBuf[off:], &bTime, cstruct.LittleEndian)
	if nil != err {
		err = errBadCapMessage("truncated v4 trailer at offset %d", off)
		return
	}
	off += bytesConsumed

	msg.bTimeUnixNano = int64(bTime.BTimeUnixNano)
	msg.changeAttr = bTime.ChangeAttr

	if 5 > header.MsgVersion {
		return
	}

	bytesConsumed, err = cstruct.Unpack(msgBuf[off:], &flags, cstruct.LittleEndian)
	if nil != err {
		err = errBadCapMessage("truncated v5 trailer at offset %d", off)
		return
	}
	off += bytesConsumed

	msg.flags = flags.Flags

	if 6 > header.MsgVersion {
		return
	}

	bytesConsumed, err = cstruct.Unpack(msgBuf[off:], &dirStats, cstruct.LittleEndian)
	if nil != err {
		err = errBadCapMessage("truncated v6 trailer at offset %d", off)
		return
	}
	off += bytesConsumed

	msg.nFiles = dirStats.NFiles
	msg.nSubDirs = dirStats.NSubDirs

	if 7 > header.MsgVersion {
		return
	}

	blob, off, err = unmarshalBlob(msgBuf, off)
	if nil != err {
		return
	}
	msg.xattrBlob = blob

	if 8 > header.MsgVersion {
		return
	}

	blob, off, err = unmarshalBlob(msgBuf, off)
	if nil != err {
		return
	}
	msg.fscryptAuth = blob

	_, err = cstruct.Unpack(msgBuf[off:], &fscryptTail, cstruct.LittleEndian)
	if nil != err {
		err = errBadCapMessage("truncated v8 trailer at offset %d", off)
		return
	}

	msg.fscryptFileSize = fscryptTail.FscryptFileSize

	// trailers beyond version 8 (from a newer server) are ignored

	err = nil
	return
}

// sendCapMessage hands one marshaled message to the transport. Caller must
// hold no engine locks (the transport may block).
//
func sendCapMessage(session *sessionStruct, msg *capMessageStruct) {
	var (
		err error
	)

	logTracef("-> session 0x%016X op %d inode 0x%016X caps 0x%04X wanted 0x%04X dirty 0x%04X tid %d",
		session.sessionID, msg.op, msg.inodeNumber, msg.caps, msg.wanted, msg.dirty, msg.flushTID)

	err = globals.callbacks.SendCapMessage(session.sessionID, marshalCapMessage(msg))
	if nil != err {
		// transport failure surfaces as session staleness; nothing to do here
		logWarnf("SendCapMessage(0x%016X, op %d) failed: %v", session.sessionID, msg.op, err)
	}
}

// queueCapRelease records "we hold nothing for this" so the server can
// forget a cap it believes we have (unknown inode, unknown cap).
//
func queueCapRelease(session *sessionStruct, inodeNumber uint64, capID uint64, seq uint64, issueSeq uint64, mseq uint64) {
	session.Lock()
	session.releaseList.PushBack(&capReleaseStruct{
		inodeNumber: inodeNumber,
		capID:       capID,
		seq:         seq,
		issueSeq:    issueSeq,
		mseq:        mseq,
	})
	session.Unlock()
}

// handleCapMessage is the inbound dispatcher.
//
func handleCapMessage(sessionID uint64, msgBuf []byte) (err error) {
	var (
		inode   *inodeStruct
		msg     *capMessageStruct
		ok      bool
		session *sessionStruct
	)

	session, ok = fetchSession(sessionID)
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "cap message from unregistered session 0x%016X", sessionID)
		return
	}

	msg, err = unmarshalCapMessage(msgBuf)
	if nil != err {
		logWarnf("session 0x%016X: %v", sessionID, err)
		return
	}

	logTracef("<- session 0x%016X op %d inode 0x%016X caps 0x%04X seq %d mseq %d tid %d",
		sessionID, msg.op, msg.inodeNumber, msg.caps, msg.seq, msg.mseq, msg.flushTID)

	switch msg.op {
	case capMsgOpGrant, capMsgOpRevoke:
		if capMsgOpGrant == msg.op {
			globals.stats.GrantMessagesReceived.Increment()
		} else {
			globals.stats.RevokeMessagesReceived.Increment()
		}
		inode, ok = fetchInode(msg.inodeNumber, false)
		if !ok {
			queueCapRelease(session, msg.inodeNumber, msg.capID, msg.seq, msg.issueSeq, msg.mseq)
			flushSessionCapReleases(session)
			err = nil
			return
		}
		handleCapGrant(session, inode, msg)
	case capMsgOpTrunc:
		globals.stats.TruncMessagesReceived.Increment()
		inode, ok = fetchInode(msg.inodeNumber, false)
		if !ok {
			// nothing cached; nothing to truncate
			err = nil
			return
		}
		handleCapTrunc(inode, msg)
	case capMsgOpExport:
		globals.stats.ExportMessagesReceived.Increment()
		inode, ok = fetchInode(msg.inodeNumber, false)
		if !ok {
			err = nil
			return
		}
		handleCapExport(session, inode, msg)
	case capMsgOpImport:
		globals.stats.ImportMessagesReceived.Increment()
		inode, ok = fetchInode(msg.inodeNumber, false)
		if !ok {
			queueCapRelease(session, msg.inodeNumber, msg.capID, msg.seq, msg.issueSeq, msg.mseq)
			flushSessionCapReleases(session)
			err = nil
			return
		}
		handleCapImport(session, inode, msg)
		// an IMPORT is also a grant: apply its metadata/size view
		handleCapGrant(session, inode, msg)
	case capMsgOpFlushAck:
		globals.stats.FlushAckMessagesReceived.Increment()
		inode, ok = fetchInode(msg.inodeNumber, false)
		if !ok {
			logWarnf("session 0x%016X: FLUSH_ACK for untracked inode 0x%016X (tid %d)", sessionID, msg.inodeNumber, msg.flushTID)
			err = nil
			return
		}
		handleCapFlushAck(inode, msg)
	case capMsgOpFlushSnapAck:
		globals.stats.FlushSnapAckMessagesReceived.Increment()
		inode, ok = fetchInode(msg.inodeNumber, false)
		if !ok {
			logWarnf("session 0x%016X: FLUSHSNAP_ACK for untracked inode 0x%016X (follows %d)", sessionID, msg.inodeNumber, msg.snapFollows)
			err = nil
			return
		}
		handleCapFlushSnapAck(inode, msg)
	default:
		logWarnf("session 0x%016X: unexpected inbound op %d for inode 0x%016X", sessionID, msg.op, msg.inodeNumber)
		err = blunder.NewError(blunder.InvalidArgError, "unexpected inbound cap op %d", msg.op)
		return
	}

	maybeEvictInode(inode)

	err = nil
	return
}

// applyFileSize folds a server-reported size/truncation into the inode,
// idempotently by truncate seq: an older or repeated truncation is ignored;
// the same truncation epoch may still grow the size if we don't hold
// FILE_EXCL. Caller holds inode's lock.
//
func applyFileSize(inode *inodeStruct, msg *capMessageStruct, issued uint64) (truncated bool) {
	if seqCmp(msg.truncateSeq, inode.truncateSeq) > 0 {
		inode.truncateSeq = msg.truncateSeq
		inode.truncateSize = msg.truncateSize
		inode.size = msg.size
		inode.reportedSize = msg.size
		truncated = true
		return
	}

	if (msg.truncateSeq == inode.truncateSeq) &&
		(msg.size > inode.size) &&
		(0 == (issued & CapBitFileExcl)) {
		inode.size = msg.size
		inode.reportedSize = msg.size
	}

	truncated = false
	return
}

// handleCapGrant processes GRANT and REVOKE: the server's new caps mask
// replaces the cap's issued set, while implemented keeps any bits being
// taken away until local use drains and an ack flows back via checkCaps.
//
func handleCapGrant(session *sessionStruct, inode *inodeStruct, msg *capMessageStruct) {
	var (
		cap        *capStruct
		checkFlags uint64
		doCheck    bool
		grantedNew uint64
		issued     uint64
		newCaps    uint64
		ok         bool
		raced      bool
		revoked    uint64
		sessionGen uint64
		wake       bool
		wasStale   bool
	)

	inode.Lock()

	cap, ok = lookupCap(inode, session.sessionID)
	if !ok {
		inode.Unlock()
		queueCapRelease(session, msg.inodeNumber, msg.capID, msg.seq, msg.issueSeq, msg.mseq)
		flushSessionCapReleases(session)
		return
	}

	newCaps = msg.caps

	session.Lock()
	sessionGen = session.gen
	session.Unlock()

	wasStale = cap.gen != sessionGen
	if wasStale {
		// everything granted before the stale period is void; start over
		// from the bare pin
		logWarnf("inode 0x%016X: grant on stale cap (gen %d vs session %d); resetting", inode.inodeNumber, cap.gen, sessionGen)
		cap.issued = CapBitPin
		cap.implemented = CapBitPin
	}
	cap.gen = sessionGen

	raced = seqCmp(msg.seq, cap.seq) <= 0
	if raced {
		// this grant predates an already-processed IMPORT; fold, never
		// regress, and keep the newer seq
		newCaps |= cap.issued
	} else {
		cap.seq = msg.seq
		cap.issueSeq = msg.issueSeq
	}

	issued, _ = capsIssued(inode)
	issued |= capsDirty(inode)

	// the server's metadata is authoritative only for classes where we do
	// not hold the exclusive right

	if (0 != (newCaps & CapBitAuthShared)) && (0 == (issued & CapBitAuthExcl)) {
		inode.uid = msg.uid
		inode.gid = msg.gid
		inode.unixMode = msg.unixMode
	}
	if (0 != (newCaps & CapBitLinkShared)) && (0 == (issued & CapBitLinkExcl)) {
		inode.nLink = msg.nLink
	}
	if (0 != (newCaps & CapBitXattrShared)) && (0 == (issued & CapBitXattrExcl)) &&
		(msg.xattrVersion > inode.xattrVersion) {
		inode.xattrVersion = msg.xattrVersion
	}
	if (0 != (newCaps & CapMaskAnyRd)) && (0 == (issued & CapBitFileExcl)) {
		inode.mTime = time.Unix(0, msg.mTimeUnixNano)
		inode.aTime = time.Unix(0, msg.aTimeUnixNano)
		inode.cTime = time.Unix(0, msg.cTimeUnixNano)
	}
	if msg.changeAttr > inode.changeAttr {
		inode.changeAttr = msg.changeAttr
	}

	if 0 != (newCaps & (CapMaskAnyFileRd | CapMaskAnyFileWr)) {
		if applyFileSize(inode, msg, issued) && (0 < inode.cleanPageCount) && !inode.invalidatePending {
			inode.invalidatePending = true
			defer globals.callbacks.QueueInvalidate(inode.inodeNumber)
		}
	}

	if (cap == inode.authCap) && (0 != (newCaps & CapMaskAnyFileWr)) && (msg.maxSize != inode.maxSize) {
		inode.maxSize = msg.maxSize
		if msg.maxSize >= inode.wantedMaxSize {
			inode.wantedMaxSize = 0
			inode.requestedMaxSize = 0
		}
		wake = true
	}

	revoked = cap.issued &^ newCaps
	grantedNew = newCaps &^ cap.issued

	cap.issued = newCaps
	cap.implemented |= newCaps

	if 0 != revoked {
		// revoked bits stay in implemented until use drains; checkCaps
		// acks once (capRevoking & capUsed) clears
		doCheck = true
		if cap == inode.authCap {
			checkFlags = checkCapsAuthOnly
		}
	} else if 0 != grantedNew {
		wake = true
	}

	if capMsgOpRevoke == msg.op {
		// the server forgot our want along with the caps; re-request after
		// flushing whatever is dirty
		cap.mdsWanted = 0
		checkFlags |= checkCapsFlushForce
		doCheck = true
	} else {
		cap.mdsWanted = msg.wanted
	}

	if wasStale && (0 != (capsWanted(inode) &^ (cap.mdsWanted | newCaps))) {
		checkFlags |= checkCapsAuthOnly
		doCheck = true
	}

	if wake {
		wakeCapWaiters(inode)
	}

	inode.Unlock()

	if doCheck {
		checkCaps(inode, checkFlags)
	}
}

// handleCapTrunc processes a server-side truncation notice. Duplicate
// deliveries carry the same truncate seq and are no-ops.
//
func handleCapTrunc(inode *inodeStruct, msg *capMessageStruct) {
	var (
		invalidate bool
		issued     uint64
	)

	inode.Lock()

	issued, _ = capsIssued(inode)
	issued |= capsDirty(inode)

	invalidate = applyFileSize(inode, msg, issued) && (0 < inode.cleanPageCount) && !inode.invalidatePending
	if invalidate {
		inode.invalidatePending = true
	}

	inode.Unlock()

	if invalidate {
		globals.callbacks.QueueInvalidate(inode.inodeNumber)
	}
}

// handleCapExport processes the exporting side of a cap migration. The
// matching IMPORT (on the target session) may have arrived already, may
// arrive later, or the target session may not even be registered yet; all
// three orders land in the same final state.
//
func handleCapExport(session *sessionStruct, inode *inodeStruct, msg *capMessageStruct) {
	var (
		cap           *capStruct
		ok            bool
		targetSession *sessionStruct
		tcap          *capStruct
		tok           bool
		wasAuth       bool
	)

	if msg.hasPeer {
		targetSession, _ = fetchSession(msg.peerSessionID)
	}

	inode.Lock()

	cap, ok = lookupCap(inode, session.sessionID)
	if !ok {
		if (migrateStateImportSeen == inode.migration.state) && (inode.migration.fromID == session.sessionID) {
			// the IMPORT outran us and already absorbed this cap
			inode.migration = migrationStruct{}
		}
		inode.Unlock()
		return
	}

	if !msg.hasPeer {
		// exported somewhere we have no session with; just forget it
		removeCap(inode, cap, false)
		inode.Unlock()
		maybeEvictInode(inode)
		return
	}

	wasAuth = cap == inode.authCap

	if nil == targetSession {
		// target session not registered yet; park the in-flight state so
		// the eventual IMPORT can reconcile
		inode.migration = migrationStruct{
			state:     migrateStateExportSeen,
			fromID:    session.sessionID,
			toID:      msg.peerSessionID,
			peerCapID: msg.peerCapID,
			peerSeq:   msg.peerSeq,
			peerMseq:  msg.peerMseq,
			issued:    cap.issued,
		}
		removeCap(inode, cap, false)
		inode.Unlock()
		return
	}

	tcap, tok = lookupCap(inode, msg.peerSessionID)
	if tok {
		// IMPORT processed first; fold our view in without regressing
		if (tcap.capID == msg.peerCapID) && (seqCmp(tcap.seq, msg.peerSeq) < 0) {
			tcap.issued |= cap.issued
			tcap.implemented |= cap.issued
			tcap.seq = msg.peerSeq
			tcap.issueSeq = msg.peerSeq
			tcap.mseq = msg.peerMseq
			if wasAuth {
				inode.authCap = tcap
			}
		}
	} else {
		// EXPORT first: plant the cap on the target session so local use
		// continues uninterrupted; the IMPORT will merge into it
		_ = addCap(inode, targetSession, msg.peerCapID, cap.issued, cap.mdsWanted, msg.peerSeq-1, msg.peerSeq-1, msg.peerMseq, wasAuth, nil)
	}

	inode.migration = migrationStruct{}

	removeCap(inode, cap, false)

	wakeCapWaiters(inode)

	inode.Unlock()

	maybeEvictInode(inode)
}

// handleCapImport processes the importing side of a cap migration: the new
// session's grant is installed as the auth cap and the peer (old) cap, if
// still present, is discarded.
//
func handleCapImport(session *sessionStruct, inode *inodeStruct, msg *capMessageStruct) {
	var (
		doCheck      bool
		err          error
		ocap         *capStruct
		ok           bool
		parkedIssued uint64
		reservation  *capReservationStruct
	)

	// pre-pay the cap we may need to install so the pool can't come up
	// short once inode state is being mutated
	reservation, err = reserveCaps(1)
	if nil != err {
		logWarnf("inode 0x%016X: IMPORT cap reservation failed (%v); using slow path", inode.inodeNumber, err)
		reservation = nil
	}

	inode.Lock()

	if msg.hasPeer {
		ocap, ok = lookupCap(inode, msg.peerSessionID)
		if ok {
			if (ocap.capID != msg.peerCapID) || (seqCmp(msg.peerSeq, ocap.seq) < 0) || (seqCmp(msg.peerMseq, ocap.mseq) < 0) {
				logWarnf("inode 0x%016X: IMPORT peer mismatch: capID %d/%d seq %d/%d mseq %d/%d",
					inode.inodeNumber, ocap.capID, msg.peerCapID, ocap.seq, msg.peerSeq, ocap.mseq, msg.peerMseq)
			}
			removeCap(inode, ocap, 0 != (msg.flags & capMsgFlagReleasePeer))
		} else if (migrateStateExportSeen == inode.migration.state) && (inode.migration.fromID == msg.peerSessionID) {
			// EXPORT already retired the old cap; its issued bits ride
			// along so the migration never narrows what we hold (any bit
			// the new server didn't grant drains as a normal revocation)
			parkedIssued = inode.migration.issued
			inode.migration = migrationStruct{}
		} else {
			// we got here before the EXPORT; remember so it becomes a no-op
			inode.migration = migrationStruct{
				state:     migrateStateImportSeen,
				fromID:    msg.peerSessionID,
				toID:      session.sessionID,
				peerCapID: msg.peerCapID,
				peerSeq:   msg.peerSeq,
				peerMseq:  msg.peerMseq,
			}
		}
	}

	_ = addCap(inode, session, msg.capID, msg.caps|parkedIssued, msg.wanted, msg.seq, msg.issueSeq, msg.mseq, 0 != (msg.flags&capMsgFlagAuth), reservation)

	inode.kickFlush = true

	doCheck = (inode.wantedMaxSize > inode.maxSize) && (inode.wantedMaxSize > inode.requestedMaxSize)

	inode.Unlock()

	if nil != reservation {
		unreserveCaps(reservation)
	}

	// the new auth server never saw our in-flight flushes
	kickFlushingInodeCaps(session, inode)

	if doCheck {
		checkCaps(inode, checkCapsAuthOnly)
	}
}

func handleCapFlushAck(inode *inodeStruct, msg *capMessageStruct) {
	inode.Lock()
	_ = handleFlushAck(inode, msg.flushTID)
	inode.Unlock()
}

func handleCapFlushSnapAck(inode *inodeStruct, msg *capMessageStruct) {
	var (
		capSnap *capSnapStruct
	)

	inode.Lock()
	capSnap = handleFlushSnapAck(inode, msg.flushTID, msg.snapFollows)
	inode.Unlock()

	if nil != capSnap {
		capSnap.snapContext.release()
	}
}
