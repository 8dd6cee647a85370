// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/snail-rnaseq/snail"

func main() {
	snail.Main()
}
