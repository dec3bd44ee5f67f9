package supervisor

import (
	"context"
	"sync"

	"github.com/shirou/gopsutil/process"
)

// Sample is one resource reading of a guest process.
type Sample struct {
	CPU        float64 // percent since the previous sample
	Memory     uint64  // RSS bytes
	ReadTotal  uint64
	WriteTotal uint64
}

type Sampler interface {
	Sample(ctx context.Context, pid int) (Sample, error)
	Forget(pid int)
}

// ProcessSampler reads /proc through gopsutil. It keeps one handle per pid so
// CPU usage is measured between consecutive samples.
type ProcessSampler struct {
	mu    sync.Mutex
	procs map[int]*process.Process
}

func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{procs: make(map[int]*process.Process)}
}

func (s *ProcessSampler) Sample(ctx context.Context, pid int) (Sample, error) {
	p, err := s.handle(ctx, pid)
	if err != nil {
		return Sample{}, err
	}

	cpu, err := p.PercentWithContext(ctx, 0)
	if err != nil {
		return Sample{}, err
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}

	sample := Sample{CPU: cpu, Memory: mem.RSS}
	// io counters need privileges for foreign processes, report zero then
	if io, err := p.IOCountersWithContext(ctx); err == nil {
		sample.ReadTotal = io.ReadBytes
		sample.WriteTotal = io.WriteBytes
	}
	return sample, nil
}

func (s *ProcessSampler) Forget(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, pid)
}

func (s *ProcessSampler) handle(ctx context.Context, pid int) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.procs[pid]; ok {
		return p, nil
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}
	s.procs[pid] = p
	return p, nil
}
