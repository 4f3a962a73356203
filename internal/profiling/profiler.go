// Package profiling wraps runtime/pprof for the CLI profiling flags.
package profiling

import (
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
)

// StartCPU begins CPU profiling into path. The returned stop function
// flushes and closes the file.
func StartCPU(path string) (stop func(), err error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, cerr.ConfigError("create cpu profile file", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return nil, cerr.InternalError("start cpu profile", err)
	}
	return func() {
		pprof.StopCPUProfile()
		_ = f.Close()
	}, nil
}

// StartTrace begins execution tracing into path. The returned stop
// function flushes and closes the file.
func StartTrace(path string) (stop func(), err error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, cerr.ConfigError("create trace file", err)
	}
	if err := trace.Start(f); err != nil {
		_ = f.Close()
		return nil, cerr.InternalError("start trace", err)
	}
	return func() {
		trace.Stop()
		_ = f.Close()
	}, nil
}

// WriteHeap snapshots live heap allocations into path. A GC runs first
// so the profile reflects reachable objects only.
func WriteHeap(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return cerr.ConfigError("create heap profile file", err)
	}
	defer func() { _ = f.Close() }()

	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return cerr.InternalError("write heap profile", err)
	}
	return nil
}
