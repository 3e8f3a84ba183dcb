//go:build !deadlock

// Package locking re-exports sync.Mutex/sync.RWMutex as type aliases by
// default, and swaps in deadlock-detecting wrappers when built with the
// "deadlock" tag. Callers throughout bitmapindex, warmstore and the
// engine use locking.Mutex/RWMutex instead of sync's directly so a single
// build-tag flip gets debug assertions in development without touching
// call sites, per §4.7's shared-resource policy.
package locking

import "sync"

// Mutex is sync.Mutex in the default build.
type Mutex = sync.Mutex

// RWMutex is sync.RWMutex in the default build.
type RWMutex = sync.RWMutex
