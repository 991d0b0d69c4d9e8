package memory

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/maphash"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/bedrock/memutils"
	"golang.org/x/exp/slog"
)

const (
	// SafeZoneBytes is the size of each safe zone written around an allocation when overwrite
	// checks are enabled
	SafeZoneBytes int = 16

	// AllocatedPattern fills the user region of every fresh allocation when overwrite checks are enabled
	AllocatedPattern byte = 0xCD
	// FreedPattern fills the user region of every freed allocation when overwrite checks are enabled
	FreedPattern byte = 0xDD

	maxStackDepth = 64
	// runtime.Callers, OnAllocate, layerStack.allocated
	callerSkip = 3

	internalFramePrefix = "github.com/vkngwrapper/bedrock/memory."
)

type stackKey [maxStackDepth]uintptr

// AllocationSite accumulates the statistics of every allocation made from one call stack
type AllocationSite struct {
	// Hash identifies the call stack. Stacks are deduplicated by hash alone.
	Hash uint64
	// Frames is the resolved call stack, innermost first, as "function file:line"
	Frames []string

	TotalCount int
	TotalBytes int
	LiveCount  int
	LiveBytes  int
	PeakBytes  int
}

type liveAllocation struct {
	site *AllocationSite
	span Span
}

// AllocationDebugger is the Layer that keeps a record of every live fixed allocation. Freeing a
// pointer that is not live, or freeing with a size other than the one allocated, panics. With
// overwrite checks it also places a safe zone on either side of each allocation and panics on free
// if either was overwritten. With the tracker it deduplicates allocation call stacks by hash and
// accumulates statistics per site.
//
// The debugger's own bookkeeping lives on the Go heap and never allocates through the Context it
// decorates, so its mutex is never reentered.
type AllocationDebugger struct {
	logger          *slog.Logger
	overwriteChecks bool
	tracker         bool
	stackDepth      int
	hasher          maphash.Hasher[stackKey]

	mutex sync.Mutex
	sites *swiss.Map[uint64, *AllocationSite]
	live  *swiss.Map[uintptr, liveAllocation]
}

var _ Layer = &AllocationDebugger{}

// DebuggerOptions configures an AllocationDebugger
type DebuggerOptions struct {
	OverwriteChecks bool
	Tracker         bool
	// StackDepth defaults to DefaultStackDepth
	StackDepth int
}

// NewAllocationDebugger creates an AllocationDebugger with no live allocations
func NewAllocationDebugger(logger *slog.Logger, options DebuggerOptions) *AllocationDebugger {
	depth := options.StackDepth
	if depth <= 0 {
		depth = DefaultStackDepth
	}
	if depth > maxStackDepth {
		depth = maxStackDepth
	}

	return &AllocationDebugger{
		logger:          logger,
		overwriteChecks: options.OverwriteChecks,
		tracker:         options.Tracker,
		stackDepth:      depth,
		hasher:          maphash.NewHasher[stackKey](),
		sites:           swiss.NewMap[uint64, *AllocationSite](64),
		live:            swiss.NewMap[uintptr, liveAllocation](1024),
	}
}

func (d *AllocationDebugger) PrefixBytes() int {
	if d.overwriteChecks {
		return SafeZoneBytes
	}
	return 0
}

func (d *AllocationDebugger) SuffixBytes() int {
	if d.overwriteChecks {
		return SafeZoneBytes
	}
	return 0
}

func (d *AllocationDebugger) OnAllocate(span Span) {
	if d.overwriteChecks {
		memutils.WriteMagicValue(span.Prefix, 0, SafeZoneBytes)
		memutils.WriteMagicValue(span.Suffix, 0, SafeZoneBytes)
		memutils.Fill(span.User, span.Size, AllocatedPattern)
	}

	var stack stackKey
	var frameCount int
	if d.tracker {
		frameCount = runtime.Callers(callerSkip, stack[:d.stackDepth])
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	key := uintptr(span.User)
	if d.live.Has(key) {
		panic(fmt.Sprintf("allocation debugger: %p was handed out twice without being freed", span.User))
	}

	var site *AllocationSite
	if d.tracker {
		site = d.siteLocked(stack, frameCount)
		site.TotalCount++
		site.TotalBytes += span.Size
		site.LiveCount++
		site.LiveBytes += span.Size
		if site.LiveBytes > site.PeakBytes {
			site.PeakBytes = site.LiveBytes
		}
	}

	d.live.Put(key, liveAllocation{site: site, span: span})
}

func (d *AllocationDebugger) siteLocked(stack stackKey, frameCount int) *AllocationSite {
	hash := d.hasher.Hash(stack)
	site, ok := d.sites.Get(hash)
	if ok {
		return site
	}

	site = &AllocationSite{Hash: hash}
	frames := runtime.CallersFrames(stack[:frameCount])
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, internalFramePrefix) {
			site.Frames = append(site.Frames, fmt.Sprintf("%s %s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}

	d.sites.Put(hash, site)
	return site
}

func (d *AllocationDebugger) OnFree(span Span) {
	d.mutex.Lock()
	record, ok := d.live.Get(uintptr(span.User))
	if !ok {
		d.mutex.Unlock()
		panic(fmt.Sprintf("allocation debugger: attempted to free %p, which is not a live allocation", span.User))
	}
	if record.span.Size != span.Size {
		d.mutex.Unlock()
		panic(fmt.Sprintf("allocation debugger: %p was allocated with %d bytes but freed with %d",
			span.User, record.span.Size, span.Size))
	}
	if err := d.checkSafeZones(record.span); err != nil {
		d.mutex.Unlock()
		panic(err.Error())
	}

	d.live.Delete(uintptr(span.User))
	if record.site != nil {
		record.site.LiveCount--
		record.site.LiveBytes -= span.Size
	}
	d.mutex.Unlock()

	if d.overwriteChecks {
		memutils.Fill(span.User, span.Size, FreedPattern)
	}
}

func (d *AllocationDebugger) checkSafeZones(span Span) error {
	if !d.overwriteChecks {
		return nil
	}
	if !memutils.ValidateMagicValue(span.Prefix, 0, SafeZoneBytes) {
		return errors.Newf("allocation debugger: memory corruption detected before %p (buffer underrun of a %d byte allocation)",
			span.User, span.Size)
	}
	if !memutils.ValidateMagicValue(span.Suffix, 0, SafeZoneBytes) {
		return errors.Newf("allocation debugger: memory corruption detected after %p (buffer overrun of a %d byte allocation)",
			span.User, span.Size)
	}
	return nil
}

// CheckAll verifies the safe zones of every live allocation and returns an error describing the first
// corruption found
func (d *AllocationDebugger) CheckAll() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var err error
	d.live.Iter(func(_ uintptr, record liveAllocation) bool {
		err = d.checkSafeZones(record.span)
		return err != nil
	})
	return err
}

// IsLive reports whether ptr is a live allocation
func (d *AllocationDebugger) IsLive(ptr unsafe.Pointer) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.live.Has(uintptr(ptr))
}

// SiteHash returns the hash of the AllocationSite that made the live allocation ptr, or zero if ptr is
// not live or the tracker is off
func (d *AllocationDebugger) SiteHash(ptr unsafe.Pointer) uint64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	record, ok := d.live.Get(uintptr(ptr))
	if !ok || record.site == nil {
		return 0
	}
	return record.site.Hash
}

// LiveCount returns the number of live allocations
func (d *AllocationDebugger) LiveCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.live.Count()
}

// Sites returns a copy of every allocation site recorded by the tracker, largest live bytes first
func (d *AllocationDebugger) Sites() []AllocationSite {
	d.mutex.Lock()
	sites := make([]AllocationSite, 0, d.sites.Count())
	d.sites.Iter(func(_ uint64, site *AllocationSite) bool {
		copied := *site
		copied.Frames = append([]string(nil), site.Frames...)
		sites = append(sites, copied)
		return false
	})
	d.mutex.Unlock()

	sort.Slice(sites, func(i, j int) bool {
		if sites[i].LiveBytes != sites[j].LiveBytes {
			return sites[i].LiveBytes > sites[j].LiveBytes
		}
		return sites[i].Hash < sites[j].Hash
	})
	return sites
}

// LogLiveAllocations logs every live allocation at error level
func (d *AllocationDebugger) LogLiveAllocations() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.live.Iter(func(ptr uintptr, record liveAllocation) bool {
		attrs := []slog.Attr{
			slog.String("address", fmt.Sprintf("%#x", ptr)),
			slog.Int("size", record.span.Size),
		}
		if record.site != nil && len(record.site.Frames) > 0 {
			attrs = append(attrs, slog.String("site", record.site.Frames[0]))
		}
		d.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation", attrs...)
		return false
	})
}

// BuildStatsString writes a json description of the live allocation count and every allocation site
func (d *AllocationDebugger) BuildStatsString(writer *jwriter.Writer) {
	sites := d.Sites()

	obj := writer.Object()
	defer obj.End()

	obj.Name("LiveAllocations").Int(d.LiveCount())
	obj.Name("OverwriteChecks").Bool(d.overwriteChecks)

	siteArray := obj.Name("Sites").Array()
	for _, site := range sites {
		siteObj := siteArray.Object()
		siteObj.Name("Hash").String(fmt.Sprintf("%016x", site.Hash))
		siteObj.Name("TotalCount").Int(site.TotalCount)
		siteObj.Name("TotalBytes").Int(site.TotalBytes)
		siteObj.Name("LiveCount").Int(site.LiveCount)
		siteObj.Name("LiveBytes").Int(site.LiveBytes)
		siteObj.Name("PeakBytes").Int(site.PeakBytes)

		frames := siteObj.Name("Frames").Array()
		for _, frame := range site.Frames {
			frames.String(frame)
		}
		frames.End()

		siteObj.End()
	}
	siteArray.End()
}
