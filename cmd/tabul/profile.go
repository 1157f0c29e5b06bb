package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"

	"go.uber.org/multierr"
)

// profiler writes the CPU and heap profiles of one invocation
type profiler struct {
	cpuFile string
	memFile string

	cpu *os.File
}

// start begins CPU profiling when a file was requested
func (p *profiler) start() error {
	if p.cpuFile == "" {
		return nil
	}
	f, err := os.Create(p.cpuFile)
	if err != nil {
		return fmt.Errorf("failed to create CPU profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to start CPU profile: %w", err)
	}
	p.cpu = f
	return nil
}

// stop ends CPU profiling and writes the heap profile
func (p *profiler) stop() error {
	var err error
	if p.cpu != nil {
		pprof.StopCPUProfile()
		err = multierr.Append(err, p.cpu.Close())
		p.cpu = nil
	}
	if p.memFile != "" {
		err = multierr.Append(err, writeHeapProfile(p.memFile))
	}
	return err
}

func writeHeapProfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create memory profile: %w", err)
	}
	defer f.Close()

	runtime.GC() // up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("failed to write memory profile: %w", err)
	}
	return nil
}
