// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"io"
	"os"

	"git.arvados.org/arvados.git/lib/cmd"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"model":      &trainer{},
		"infer":      &inferrer{},
		"pca":        &featurePCA{},
		"dump-model": &dumpModel{},
	})
)

func Main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// newLogger returns a logger for one command invocation. Timestamps
// are omitted when stderr is not a terminal.
func newLogger(stderr io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.Out = stderr
	if f, ok := stderr.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
		logger.Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	return logger
}
