package config

import (
	"math"
	"runtime"

	"github.com/shirou/gopsutil/v4/mem"
)

// WorkerCount sizes the worker pool so browser tiers cannot outgrow the host.
// An explicit workers.concurrency wins; otherwise the smaller of the CPU and
// memory limits is used, never less than one.
func (c WorkersConfig) WorkerCount() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	cores := c.MaxCPUCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	memoryMB := c.MaxMemoryMB
	if memoryMB <= 0 {
		memoryMB = hostMemoryMB()
	}
	return computeWorkers(cores, memoryMB, c)
}

func computeWorkers(cores, memoryMB int, c WorkersConfig) int {
	util := c.UtilizationPct
	if util <= 0 {
		util = 85
	}
	util = min(max(util, 10), 100)
	factor := float64(util) / 100

	perCore := c.BrowsersPerCore
	if perCore <= 0 {
		perCore = 1
	}
	cpuLimit := int(math.Floor(float64(cores) * factor * perCore))
	if memoryMB <= 0 {
		return max(1, cpuLimit)
	}

	usable := float64(memoryMB)*factor - float64(c.OverheadMB)
	if usable <= 0 {
		return 1
	}
	perBrowser := c.RAMPerBrowserMB
	if perBrowser <= 0 {
		perBrowser = 800
	}
	ramLimit := int(math.Floor(usable / float64(perBrowser)))
	return max(1, min(cpuLimit, ramLimit))
}

func hostMemoryMB() int {
	stat, err := mem.VirtualMemory()
	if err != nil || stat == nil {
		return 0
	}
	return int(stat.Total / (1 << 20))
}
