// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package icappkg

import (
	"github.com/NVIDIA/proxyfs/conf"
)

func start(confMap conf.ConfMap, callbacks Callbacks) (err error) {
	err = initializeGlobals(confMap, callbacks)
	if nil != err {
		return
	}

	startDelayedCheckDaemon()

	err = nil
	return
}

func stop() (err error) {
	stopDelayedCheckDaemon()

	err = drainSessions()
	if nil != err {
		return
	}

	closeLogFile()

	err = uninitializeGlobals()

	return
}

func signal() (err error) {
	logSIGHUP()

	err = nil
	return
}
