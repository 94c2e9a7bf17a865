// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command boatsync runs and inspects the offline-first sync engine.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
