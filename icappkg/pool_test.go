// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package icappkg

import (
	"testing"
	"time"

	"github.com/NVIDIA/proxyfs/blunder"
)

func testAssertPoolInvariant(t *testing.T, when string) {
	var (
		available uint64
		reserved  uint64
		total     uint64
		used      uint64
	)

	total, used, reserved, available = capPoolCounters()

	if total != used+reserved+available {
		t.Fatalf("%s: pool counters inconsistent: total %d != used %d + reserved %d + available %d",
			when, total, used, reserved, available)
	}
}

func TestCapPoolAccounting(t *testing.T) {
	var (
		cap1        *capStruct
		cap2        *capStruct
		err         error
		reservation *capReservationStruct
		reserved    uint64
		used        uint64
	)

	testSetup(t, nil)
	defer testTeardown(t)

	testAssertPoolInvariant(t, "at start")

	reservation, err = reserveCaps(8)
	if nil != err {
		t.Fatalf("reserveCaps(8) failed: %v", err)
	}
	testAssertPoolInvariant(t, "after reserveCaps(8)")

	_, used, reserved, _ = capPoolCounters()
	if (0 != used) || (8 != reserved) {
		t.Fatalf("after reserveCaps(8): used %d reserved %d", used, reserved)
	}

	cap1 = takeCap(reservation)
	cap2 = takeCap(reservation)
	testAssertPoolInvariant(t, "after takeCap x2")

	_, used, reserved, _ = capPoolCounters()
	if (2 != used) || (6 != reserved) {
		t.Fatalf("after takeCap x2: used %d reserved %d", used, reserved)
	}

	giveCap(cap1)
	giveCap(cap2)
	testAssertPoolInvariant(t, "after giveCap x2")

	unreserveCaps(reservation)
	testAssertPoolInvariant(t, "after unreserveCaps")

	_, used, reserved, _ = capPoolCounters()
	if (0 != used) || (0 != reserved) {
		t.Fatalf("after unreserveCaps: used %d reserved %d", used, reserved)
	}

	// slow-path draw with no reservation must also balance

	cap1 = takeCap(nil)
	testAssertPoolInvariant(t, "after takeCap(nil)")
	giveCap(cap1)
	testAssertPoolInvariant(t, "after giveCap of slow-path cap")
}

func TestCapPoolCeiling(t *testing.T) {
	var (
		err         error
		reservation *capReservationStruct
	)

	testSetup(t, []string{"ICAP.CapPoolMaxCount=8"})
	defer testTeardown(t)

	reservation, err = reserveCaps(8)
	if nil != err {
		t.Fatalf("reserveCaps(8) failed: %v", err)
	}

	_, err = reserveCaps(1)
	if nil == err {
		t.Fatalf("reserveCaps(1) beyond ceiling unexpectedly succeeded")
	}
	if !blunder.Is(err, blunder.OutOfMemoryError) {
		t.Fatalf("reserveCaps(1) beyond ceiling returned %v; expected ENOMEM", err)
	}

	// the failed reservation must have backed out completely

	testAssertPoolInvariant(t, "after failed reservation")

	unreserveCaps(reservation)
	testAssertPoolInvariant(t, "after unreserveCaps")
}

func TestCapPoolTrimRetry(t *testing.T) {
	var (
		err         error
		reservation *capReservationStruct
		total       uint64
		used        uint64
	)

	testSetup(t, []string{
		"ICAP.CapPoolMinCount=0",
		"ICAP.CapPoolMaxCount=2",
		"ICAP.CapsWantedDelayMin=0s",
		"ICAP.CapsWantedDelayMax=0s",
	})
	defer testTeardown(t)

	testRegisterSession(t, testSessionID1)

	// a pin-only open wants nothing, so its cap is a trim candidate

	testOpenInode(t, testInodeNumber, OpenModePin)
	testInstallCap(t, testSessionID1, testInodeNumber, testCapID1, CapBitPin|CapBitFileShared, 1, 1)
	_ = testCallbacks.drainSent()

	_, used, _, _ = capPoolCounters()
	if 1 != used {
		t.Fatalf("after install: used %d; expected 1", used)
	}

	// filling the pool to its ceiling forces a trim pass that reclaims the
	// idle cap

	reservation, err = reserveCaps(2)
	if nil != err {
		t.Fatalf("reserveCaps(2) (expecting trim) failed: %v", err)
	}
	testAssertPoolInvariant(t, "after trim-backed reservation")

	total, used, _, _ = capPoolCounters()
	if 0 != used {
		t.Fatalf("after trim: used %d; expected 0", used)
	}
	if 2 < total {
		t.Fatalf("after trim: total %d exceeds ceiling 2", total)
	}

	// the trim must have queued a RELEASE for the reclaimed cap

	_ = testCallbacks.waitSentOp(t, capMsgOpRelease, time.Second)

	unreserveCaps(reservation)
	testAssertPoolInvariant(t, "after unreserveCaps")

	err = CloseHandle(testInodeNumber, OpenModePin)
	if nil != err {
		t.Fatalf("CloseHandle() failed: %v", err)
	}
}
