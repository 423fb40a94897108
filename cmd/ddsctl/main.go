// Command ddsctl is the single ops tool for this core: it can bring up the
// entity registry and introspection surface (serve), drive the receive
// pipeline from a pcap capture (replay), or print a JSON entity-tree dump
// from a running instance's admin surface (inspect).
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"fmt"
	"os"

	"github.com/cyclonedds-go/ddscore/cmd/ddsctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ddsctl:", err)
		os.Exit(1)
	}
}
