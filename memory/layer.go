package memory

import (
	"unsafe"

	"github.com/vkngwrapper/bedrock/memutils"
)

// Span describes one fixed allocation as seen by a single Layer
type Span struct {
	// Prefix is the start of the bytes the layer reserved in front of the user region
	Prefix unsafe.Pointer
	// User is the pointer handed to the caller
	User unsafe.Pointer
	// Size is the size the caller requested
	Size int
	// Suffix is the start of the bytes the layer reserved after the user region
	Suffix unsafe.Pointer
}

// Layer is a debug decorator wrapped around every fixed allocation. A layer declares how many bytes it
// needs in front of and behind the user region; the Context reserves them and hands the layer a Span
// pointing at its own bytes, so no layer computes offsets itself.
type Layer interface {
	PrefixBytes() int
	SuffixBytes() int
	// OnAllocate is called, in layer order, after the memory for an allocation was obtained
	OnAllocate(span Span)
	// OnFree is called, in reverse layer order, before the memory of an allocation is released
	OnFree(span Span)
}

// layerStack sums the layers' extra bytes once. Every allocation and free goes through the same
// stack, so the prefix added on the way in is always the prefix removed on the way out.
type layerStack struct {
	layers        []Layer
	prefixOffsets []int
	suffixOffsets []int

	totalPrefixBytes int
	totalExtraBytes  int
}

func newLayerStack(alignment int, layers ...Layer) layerStack {
	stack := layerStack{
		layers:        layers,
		prefixOffsets: make([]int, len(layers)),
		suffixOffsets: make([]int, len(layers)),
	}

	// Prefixes are laid out so that the last layer's ends right at the user region
	prefix := 0
	for i := len(layers) - 1; i >= 0; i-- {
		prefix += layers[i].PrefixBytes()
		stack.prefixOffsets[i] = -prefix
	}

	suffix := 0
	for i, layer := range layers {
		stack.suffixOffsets[i] = suffix
		suffix += layer.SuffixBytes()
	}

	// Padding goes in front of the first prefix so the user region keeps the backend's alignment
	stack.totalPrefixBytes = memutils.AlignUp(prefix, uint(alignment))
	stack.totalExtraBytes = stack.totalPrefixBytes + suffix
	return stack
}

func (s *layerStack) empty() bool {
	return len(s.layers) == 0
}

func (s *layerStack) span(index int, user unsafe.Pointer, size int) Span {
	return Span{
		Prefix: unsafe.Add(user, s.prefixOffsets[index]),
		User:   user,
		Size:   size,
		Suffix: unsafe.Add(user, size+s.suffixOffsets[index]),
	}
}

// allocated wraps freshly obtained memory and returns the user pointer
func (s *layerStack) allocated(base unsafe.Pointer, size int) unsafe.Pointer {
	user := unsafe.Add(base, s.totalPrefixBytes)
	for i, layer := range s.layers {
		layer.OnAllocate(s.span(i, user, size))
	}
	return user
}

// freeing unwraps a user pointer and returns the base of the memory to release
func (s *layerStack) freeing(user unsafe.Pointer, size int) unsafe.Pointer {
	for i := len(s.layers) - 1; i >= 0; i-- {
		s.layers[i].OnFree(s.span(i, user, size))
	}
	return unsafe.Add(user, -s.totalPrefixBytes)
}
