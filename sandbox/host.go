// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package sandbox

import (
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"

	"github.com/duxnet/duxnetd/errs"
)

// HostResources is the machine the sandbox runs on, as probed at startup.
// The registry advertises these numbers as the local node's capability.
type HostResources struct {
	CPUCores  int
	MemoryMB  int
	StorageGB int
}

// ProbeHost inspects the local machine.
func ProbeHost() (*HostResources, error) {
	cores, err := cpu.Counts(true)
	if err != nil {
		return nil, errs.Wrap(errs.Resource, err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, errs.Wrap(errs.Resource, err)
	}
	usage, err := disk.Usage("/")
	if err != nil {
		return nil, errs.Wrap(errs.Resource, err)
	}
	return &HostResources{
		CPUCores:  cores,
		MemoryMB:  int(vm.Total / (1 << 20)),
		StorageGB: int(usage.Free / (1 << 30)),
	}, nil
}
