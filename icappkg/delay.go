// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package icappkg

import (
	"container/list"
	"time"
)

// The delayed check list defers "no longer wanted" cap releases so that a
// quickly reopened file keeps its caps. inodeStruct's holdCapsUntil,
// delayElement, and flushNow fields are protected by globals.delayLock
// (not the inode lock); the list is ordered by holdCapsUntil except that
// flushNow entries jump to the front.

// capDelayRequeue (re)queues inode for a future checkCaps pass. immediate
// entries go to the front of the list and are processed on the next daemon
// wakeup regardless of deadline; otherwise the inode moves to the back
// with a fresh CapsWantedDelayMax deadline. An inode already queued for
// immediate processing is never demoted back to a deadline.
//
func capDelayRequeue(inode *inodeStruct, immediate bool) {
	globals.delayLock.Lock()

	if immediate {
		inode.flushNow = true
		if nil == inode.delayElement {
			inode.delayElement = globals.delayList.PushFront(inode)
		} else {
			globals.delayList.MoveToFront(inode.delayElement)
		}
	} else {
		if !inode.flushNow || (nil == inode.delayElement) {
			inode.flushNow = false
			inode.holdCapsUntil = time.Now().Add(globals.config.CapsWantedDelayMax)
			if nil == inode.delayElement {
				inode.delayElement = globals.delayList.PushBack(inode)
			} else {
				globals.delayList.MoveToBack(inode.delayElement)
			}
		}
	}

	globals.delayLock.Unlock()

	kickDelayedCheckDaemon()
}

// capDelayRequeueIfAbsent queues inode only if it is not already queued; an
// existing entry keeps its deadline (checkCaps exit path).
//
func capDelayRequeueIfAbsent(inode *inodeStruct) {
	var (
		requeued bool
	)

	globals.delayLock.Lock()

	if nil == inode.delayElement {
		inode.flushNow = false
		inode.holdCapsUntil = time.Now().Add(globals.config.CapsWantedDelayMax)
		inode.delayElement = globals.delayList.PushBack(inode)
		requeued = true
	}

	globals.delayLock.Unlock()

	if requeued {
		kickDelayedCheckDaemon()
	}
}

// capDelayQueued reports delayed-list membership (eviction predicate).
//
func capDelayQueued(inode *inodeStruct) (queued bool) {
	globals.delayLock.Lock()
	queued = nil != inode.delayElement
	globals.delayLock.Unlock()
	return
}

// capDelayCancel unlinks inode from the delayed check list (session
// teardown and eviction paths).
//
func capDelayCancel(inode *inodeStruct) {
	globals.delayLock.Lock()

	if nil != inode.delayElement {
		_ = globals.delayList.Remove(inode.delayElement)
		inode.delayElement = nil
	}
	inode.flushNow = false

	globals.delayLock.Unlock()
}

// drainDelayedCaps runs checkCaps on every queued inode whose deadline has
// passed (and every flushNow entry), popping under delayLock but checking
// with no list lock held. The pass is bounded by DelayedCheckMaxPass so a
// long queue cannot starve the daemon's other work; nextDeadline is the
// zero Time if the list went empty.
//
func drainDelayedCaps(now time.Time) (nextDeadline time.Time) {
	var (
		element      *list.Element
		flushNow     bool
		inode        *inodeStruct
		passDeadline time.Time
	)

	globals.stats.DelayedCheckPasses.Increment()

	passDeadline = now.Add(globals.config.DelayedCheckMaxPass)

	for {
		globals.delayLock.Lock()

		element = globals.delayList.Front()
		if nil == element {
			globals.delayLock.Unlock()
			nextDeadline = time.Time{}
			return
		}

		inode = element.Value.(*inodeStruct)

		if !inode.flushNow && inode.holdCapsUntil.After(now) {
			nextDeadline = inode.holdCapsUntil
			globals.delayLock.Unlock()
			return
		}

		_ = globals.delayList.Remove(element)
		inode.delayElement = nil
		flushNow = inode.flushNow
		inode.flushNow = false

		globals.delayLock.Unlock()

		if flushNow {
			checkCaps(inode, checkCapsFlush)
		} else {
			checkCaps(inode, 0)
		}

		maybeEvictInode(inode)

		if time.Now().After(passDeadline) {
			// yield; come right back
			nextDeadline = time.Now()
			return
		}
	}
}

func startDelayedCheckDaemon() {
	globals.delayDaemonStopChan = make(chan struct{})
	globals.delayDaemonKickChan = make(chan struct{}, 1)

	globals.delayDaemonWG.Add(1)

	go delayedCheckDaemon()
}

func stopDelayedCheckDaemon() {
	close(globals.delayDaemonStopChan)
	globals.delayDaemonWG.Wait()
}

func kickDelayedCheckDaemon() {
	select {
	case globals.delayDaemonKickChan <- struct{}{}:
	default:
		// a kick is already pending
	}
}

func delayedCheckDaemon() {
	var (
		interval     time.Duration
		nextDeadline time.Time
		timer        *time.Timer
	)

	defer globals.delayDaemonWG.Done()

	timer = time.NewTimer(globals.config.CapsWantedDelayMax)

	for {
		select {
		case <-globals.delayDaemonStopChan:
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-globals.delayDaemonKickChan:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			// deadline reached
		}

		nextDeadline = drainDelayedCaps(time.Now())

		if nextDeadline.IsZero() {
			interval = globals.config.CapsWantedDelayMax
		} else {
			interval = time.Until(nextDeadline)
			if interval < time.Millisecond {
				interval = time.Millisecond
			}
		}

		timer.Reset(interval)
	}
}
