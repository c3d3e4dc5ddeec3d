// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package icappkg

import (
	"fmt"
	"os"
	"time"

	"github.com/NVIDIA/proxyfs/bucketstats"
)

func logFatal(err error) {
	logf("FATAL", "%v", err)
	os.Exit(1)
}

func logFatalf(format string, args ...interface{}) {
	logf("FATAL", format, args...)
	os.Exit(1)
}

func logErrorf(format string, args ...interface{}) {
	logf("ERROR", format, args...)
}

func logWarnf(format string, args ...interface{}) {
	logf("WARN", format, args...)
}

func logInfof(format string, args ...interface{}) {
	logf("INFO", format, args...)
}

func logTracef(format string, args ...interface{}) {
	if globals.config.TraceEnabled {
		logf("TRACE", format, args...)
	}
}

func logf(level string, format string, args ...interface{}) {
	var (
		enhancedArgs   []interface{}
		enhancedFormat string
		err            error
		logMsg         string
	)

	enhancedFormat = "%-32s %-5s " + format
	enhancedArgs = append([]interface{}{time.Now().Format(time.RFC3339Nano), level}, args...)

	logMsg = fmt.Sprintf(enhancedFormat, enhancedArgs[:]...)

	if nil == globals.logFile {
		if "" != globals.config.LogFilePath {
			globals.logFile, err = os.OpenFile(globals.config.LogFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
			if nil == err {
				globals.logFile.WriteString(logMsg + "\n")
			} else {
				globals.logFile = nil
			}
		}
	} else {
		globals.logFile.WriteString(logMsg + "\n")
	}
	if globals.config.LogToConsole {
		fmt.Fprintln(os.Stderr, logMsg)
	}
}

// logSIGHUP rotates the log file (if any) and dumps accumulated stats.
//
func logSIGHUP() {
	if nil != globals.logFile {
		_ = globals.logFile.Close()
		globals.logFile = nil
	}

	logInfof("stats:\n%s", bucketstats.SprintStats(bucketstats.StatFormatParsable1, "ICAP", ""))
}

func closeLogFile() {
	if nil != globals.logFile {
		_ = globals.logFile.Close()
		globals.logFile = nil
	}
}
