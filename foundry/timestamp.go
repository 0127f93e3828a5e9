// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package foundry

import (
	"time"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/devblok/portal/journal"
)

// timestampSlots is the query pool capacity per command buffer.
// Each label takes two slots, one at span begin and one at end.
const timestampSlots = 128

// TimestampResult is one profiling span measured on the GPU.
type TimestampResult struct {
	Label    string
	Duration time.Duration

	// Valid is false when the result was queried before the GPU
	// finished, or the label was never recorded.
	Valid bool
}

// BeginTimestamp writes the opening timestamp of a labeled span.
// The query pool is allocated lazily on the first label of a buffer.
func (f *Foundry) BeginTimestamp(id CommandBufferID, label string) {
	f.commandMu.Lock()
	defer f.commandMu.Unlock()

	cmd, ok := f.commands[id]
	if !ok {
		f.log.Errorf(journal.ContextCommands, "begin timestamp: unknown command buffer %d", id)
		return
	}
	if !cmd.active {
		f.log.Errorf(journal.ContextCommands, "begin timestamp: command buffer %d is not recording", id)
		return
	}

	if cmd.queryPool == vk.NullQueryPool {
		var pool vk.QueryPool
		ret := vk.CreateQueryPool(f.dev.VK(), &vk.QueryPoolCreateInfo{
			SType:      vk.StructureTypeQueryPoolCreateInfo,
			QueryType:  vk.QueryTypeTimestamp,
			QueryCount: timestampSlots,
		}, nil, &pool)
		if err := vk.Error(ret); err != nil {
			f.log.Errorf(journal.ContextCommands, "vk.CreateQueryPool(): %s", err.Error())
			return
		}
		cmd.queryPool = pool
		vk.CmdResetQueryPool(cmd.handle, pool, 0, timestampSlots)
	}

	if _, exists := cmd.labelSlots[label]; exists {
		f.log.Errorf(journal.ContextCommands, "begin timestamp: label %q already open in buffer %d", label, id)
		return
	}
	if cmd.nextSlot+2 > timestampSlots {
		f.log.Errorf(journal.ContextCommands, "begin timestamp: buffer %d is out of query slots", id)
		return
	}

	base := cmd.nextSlot
	cmd.nextSlot += 2
	cmd.labelSlots[label] = base
	vk.CmdWriteTimestamp(cmd.handle, vk.PipelineStageTopOfPipeBit, cmd.queryPool, base)
}

// EndTimestamp writes the closing timestamp of a labeled span.
func (f *Foundry) EndTimestamp(id CommandBufferID, label string) {
	f.commandMu.Lock()
	defer f.commandMu.Unlock()

	cmd, ok := f.commands[id]
	if !ok {
		f.log.Errorf(journal.ContextCommands, "end timestamp: unknown command buffer %d", id)
		return
	}
	base, ok := cmd.labelSlots[label]
	if !ok {
		f.log.Errorf(journal.ContextCommands, "end timestamp: label %q was never begun in buffer %d", label, id)
		return
	}
	if !cmd.active {
		f.log.Errorf(journal.ContextCommands, "end timestamp: command buffer %d is not recording", id)
		return
	}
	vk.CmdWriteTimestamp(cmd.handle, vk.PipelineStageBottomOfPipeBit, cmd.queryPool, base+1)
}

// TimestampResultFor reads back one span. The GPU must have finished
// executing the buffer, wait on the owning fence first; otherwise
// the result comes back with Valid false instead of blocking.
func (f *Foundry) TimestampResultFor(id CommandBufferID, label string) TimestampResult {
	f.commandMu.Lock()
	cmd, ok := f.commands[id]
	var (
		base uint32
		pool vk.QueryPool
	)
	if ok {
		pool = cmd.queryPool
		base, ok = cmd.labelSlots[label]
	}
	f.commandMu.Unlock()

	if !ok || pool == vk.NullQueryPool {
		f.log.Errorf(journal.ContextCommands, "timestamp result: no span %q in buffer %d", label, id)
		return TimestampResult{Label: label}
	}

	var ticks [2]uint64
	ret := vk.GetQueryPoolResults(f.dev.VK(), pool, base, 2,
		uint64(unsafe.Sizeof(ticks)), unsafe.Pointer(&ticks[0]),
		vk.DeviceSize(unsafe.Sizeof(ticks[0])),
		vk.QueryResultFlags(vk.QueryResult64Bit))
	if ret == vk.NotReady {
		return TimestampResult{Label: label}
	}
	if err := vk.Error(ret); err != nil {
		f.log.Errorf(journal.ContextCommands, "vk.GetQueryPoolResults(): %s", err.Error())
		return TimestampResult{Label: label}
	}

	nanos := float64(ticks[1]-ticks[0]) * float64(f.dev.TimestampPeriod())
	return TimestampResult{
		Label:    label,
		Duration: time.Duration(nanos),
		Valid:    true,
	}
}
