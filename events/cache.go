// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package events

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/pmukit/go-perfevent/abi"
)

// A CacheLevel is a PERF_COUNT_HW_CACHE_* cache identifier.
type CacheLevel uint64

const (
	CacheL1D  CacheLevel = unix.PERF_COUNT_HW_CACHE_L1D
	CacheL1I  CacheLevel = unix.PERF_COUNT_HW_CACHE_L1I
	CacheLL   CacheLevel = unix.PERF_COUNT_HW_CACHE_LL
	CacheDTLB CacheLevel = unix.PERF_COUNT_HW_CACHE_DTLB
	CacheITLB CacheLevel = unix.PERF_COUNT_HW_CACHE_ITLB
	CacheBPU  CacheLevel = unix.PERF_COUNT_HW_CACHE_BPU
	CacheNode CacheLevel = unix.PERF_COUNT_HW_CACHE_NODE
)

// A CacheOp is the cache operation counted by a cache event.
type CacheOp uint64

const (
	CacheOpRead     CacheOp = unix.PERF_COUNT_HW_CACHE_OP_READ
	CacheOpWrite    CacheOp = unix.PERF_COUNT_HW_CACHE_OP_WRITE
	CacheOpPrefetch CacheOp = unix.PERF_COUNT_HW_CACHE_OP_PREFETCH
)

// A CacheResult selects whether a cache event counts accesses or misses.
type CacheResult uint64

const (
	CacheResultAccess CacheResult = unix.PERF_COUNT_HW_CACHE_RESULT_ACCESS
	CacheResultMiss   CacheResult = unix.PERF_COUNT_HW_CACHE_RESULT_MISS
)

// The names perf prints for cache events.
var (
	cacheLevelNames = [...]string{"L1-dcache", "L1-icache", "LLC", "dTLB", "iTLB", "branch", "node"}
	cacheOpNames    = [...]string{"load", "store", "prefetch"}
)

type cacheEvent struct {
	level  CacheLevel
	op     CacheOp
	result CacheResult
}

// Cache returns the generalized hardware cache event counting op accesses or
// misses on level. Combinations perf considers meaningless, such as stores
// to the instruction cache, fail in SetAttrs.
func Cache(level CacheLevel, op CacheOp, result CacheResult) Event {
	return cacheEvent{level, op, result}
}

func (e cacheEvent) Kind() Kind { return KindCache }

func (e cacheEvent) String() string {
	if int(e.level) >= len(cacheLevelNames) || int(e.op) >= len(cacheOpNames) || e.result > CacheResultMiss {
		return fmt.Sprintf("cache:%#x", e.config())
	}
	s := cacheLevelNames[e.level] + "-" + cacheOpNames[e.op]
	if e.result == CacheResultMiss {
		return s + "-misses"
	}
	return s + "s"
}

func (e cacheEvent) config() uint64 {
	return uint64(e.level) | uint64(e.op)<<8 | uint64(e.result)<<16
}

func (e cacheEvent) SetAttrs(a *abi.Attr) error {
	if !builtins().allowed(uint64(e.level), uint64(e.op)) || e.result > CacheResultMiss {
		return fmt.Errorf("cache event %s: unsupported combination", e)
	}
	a.Type = unix.PERF_TYPE_HW_CACHE
	a.Config = e.config()
	return nil
}
