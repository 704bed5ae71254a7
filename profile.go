// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/sirupsen/logrus"
)

// startProfiling serves Go profile data at addr and/or writes CPU and
// heap profiles to dir every minute, as configured.
func startProfiling(addr, dir string, logger logrus.FieldLogger) {
	if addr != "" {
		go func() {
			logger.Println(http.ListenAndServe(addr, nil))
		}()
	}
	if dir != "" {
		go func() {
			for range time.NewTicker(time.Minute).C {
				writeMemProfile(dir, logger)
				writeCPUProfile(dir, logger)
			}
		}()
	}
}

func writeCPUProfile(outdir string, logger logrus.FieldLogger) {
	tmp := filepath.Join(outdir, "cpu.prof~")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		logger.Print(err)
		return
	}
	defer f.Close()
	if err := pprof.StartCPUProfile(f); err != nil {
		logger.Print(err)
		return
	}
	time.Sleep(time.Second)
	pprof.StopCPUProfile()
	if err = f.Close(); err != nil {
		logger.Print(err)
		return
	}
	if err = os.Rename(tmp, filepath.Join(outdir, "cpu.prof")); err != nil {
		logger.Print(err)
	}
}

func writeMemProfile(outdir string, logger logrus.FieldLogger) {
	tmp := filepath.Join(outdir, "mem.prof~")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		logger.Print(err)
		return
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		logger.Print(err)
		return
	}
	if err = f.Close(); err != nil {
		logger.Print(err)
		return
	}
	if err = os.Rename(tmp, filepath.Join(outdir, "mem.prof")); err != nil {
		logger.Print(err)
	}
}
