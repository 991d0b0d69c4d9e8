package memory

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// BuildStatsString writes a json description of the Context: its configuration, the counters of
// every named pool, and the state of whichever allocators and debug layers are active
func (c *Context) BuildStatsString(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	config := obj.Name("Config").Object()
	config.Name("EnableAllocationDebugger").Bool(c.config.EnableAllocationDebugger)
	config.Name("EnableOverwriteChecks").Bool(c.config.EnableOverwriteChecks)
	config.Name("EnableAllocationTracker").Bool(c.config.EnableAllocationTracker)
	config.Name("EnableFiendishAllocator").Bool(c.config.EnableFiendishAllocator)
	config.Name("PoolAllocatorsDisabled").Bool(c.config.PoolAllocatorsDisabled)
	config.Name("UseLargePages").Bool(c.config.UseLargePages)
	config.Name("Alignment").Int(c.alignment)
	config.Name("ExtraBytes").Int(c.layers.totalExtraBytes)
	config.End()

	pools := obj.Name("Pools").Object()
	for pool := range c.counters {
		stats := c.counters[pool].Snapshot()
		poolObj := pools.Name(PoolName(pool).String()).Object()
		stats.WriteJson(&poolObj)
		poolObj.End()
	}
	pools.End()

	if c.system != nil {
		system := obj.Name("System").Object()
		system.Name("ReservedBytes").Int(c.system.ReservedBytes())
		system.Name("AllocatedBytes").Int(c.system.CurrentAllocationBytes())
		system.Name("BlockCount").Int(c.system.BlockCount())
		system.End()
	}

	if c.pool != nil {
		c.pool.BuildStatsString(obj.Name("FixedPool"))
	}

	if c.fiendish != nil {
		fiendish := obj.Name("Fiendish").Object()
		fiendish.Name("PageSize").Int(c.fiendish.PageSize())
		fiendish.Name("QuarantineLen").Int(c.fiendish.QuarantineLen())
		stats := c.fiendish.Stats()
		stats.WriteJson(&fiendish)
		fiendish.End()
	}

	if c.debugger != nil {
		c.debugger.BuildStatsString(obj.Name("Debugger"))
	}
}
