// Package xid generates short human-readable identifiers used to name
// delivery-queue workers and liveliness heartbeat sources.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package xid

import (
	"github.com/teris-io/shortid"
)

var gen *shortid.Shortid

func init() {
	var err error
	gen, err = shortid.New(1, shortid.DefaultABC, 0xd5c3)
	if err != nil {
		gen = nil
	}
}

// New returns a short unique id with the given prefix, e.g. New("dq-").
func New(prefix string) string {
	if gen == nil {
		return prefix + "0"
	}
	id, err := gen.Generate()
	if err != nil {
		return prefix + "0"
	}
	return prefix + id
}
