// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program icap provides a command-line wrapper around package icappkg APIs
// for exercising the capability management engine against a live metadata
// server fleet.
//
// The program requires a single argument that is a path to a package config
// formatted configuration to load. Optionally, overrides to the config may
// be passed as additional arguments in the form <section_name>.<option_name>=<value>.
//
package main

import (
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/proxyfs/conf"

	"github.com/NVIDIA/icap/icappkg"
)

type nullCallbacksStruct struct{}

func (*nullCallbacksStruct) SendCapMessage(sessionID uint64, msgBuf []byte) (err error) {
	err = nil
	return
}

func (*nullCallbacksStruct) NoteFirstDirty(inodeNumber uint64) {
}

func (*nullCallbacksStruct) QueueWriteback(inodeNumber uint64) {
}

func (*nullCallbacksStruct) TryInvalidateCache(inodeNumber uint64) (invalidated bool) {
	invalidated = true
	return
}

func (*nullCallbacksStruct) QueueInvalidate(inodeNumber uint64) {
}

func main() {
	var (
		confMap        conf.ConfMap
		err            error
		signalChan     chan os.Signal
		signalReceived os.Signal
	)

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "no .conf file specified\n")
		os.Exit(1)
	}

	confMap, err = conf.MakeConfMapFromFile(os.Args[1])
	if nil != err {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = confMap.UpdateFromStrings(os.Args[2:])
	if nil != err {
		fmt.Fprintf(os.Stderr, "failed to apply config overrides: %v\n", err)
		os.Exit(1)
	}

	// Start icap

	err = icappkg.Start(confMap, &nullCallbacksStruct{})
	if nil != err {
		fmt.Fprintf(os.Stderr, "icappkg.Start(confMap) failed: %v\n", err)
		os.Exit(1)
	}

	icappkg.LogInfof("UP")

	// Arm signal handler used to indicate interruption/termination & wait on it
	//
	// Note: signal'd chan must be buffered to avoid race with window between
	// arming handler and blocking on the chan read

	signalChan = make(chan os.Signal, 1)

	signal.Notify(signalChan, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)

	for {
		signalReceived = <-signalChan
		if unix.SIGHUP == signalReceived {
			icappkg.LogInfof("Received SIGHUP")
			err = icappkg.Signal()
			if nil != err {
				icappkg.LogWarnf("icappkg.Signal() failed: %v", err)
			}
		} else {
			break
		}
	}

	// Stop icap

	icappkg.LogInfof("DOWN")

	err = icappkg.Stop()
	if nil != err {
		fmt.Fprintf(os.Stderr, "icappkg.Stop() failed: %v\n", err)
		os.Exit(1)
	}
}
