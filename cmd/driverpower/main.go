// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/driverpower/driverpower"

func main() {
	driverpower.Main()
}
