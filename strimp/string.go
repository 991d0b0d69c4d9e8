package strimp

import "unsafe"

// String is a handle to an interned buffer. Each live handle holds one reference, which must be
// dropped with Reset. The zero value is the empty string and holds nothing.
//
// Handles are values, but copying a String with assignment does not add a reference; use Copy or
// CopyFrom for that.
type String struct {
	pool *Pool
	hdr  *header
}

// Copy returns a new handle to the same buffer
func (s String) Copy() String {
	if s.hdr != nil {
		s.pool.acquire(s.hdr)
	}
	return s
}

// CopyFrom makes s refer to src's buffer, dropping the reference s held before
func (s *String) CopyFrom(src String) {
	if s.hdr == src.hdr {
		return
	}

	if src.hdr != nil {
		src.pool.acquire(src.hdr)
	}
	old := *s
	*s = src
	old.Reset()
}

// Reset drops the reference s holds and makes it the empty string
func (s *String) Reset() {
	if s.hdr != nil {
		s.pool.release(s.hdr)
	}
	s.pool = nil
	s.hdr = nil
}

// String returns the content. The result views the interned buffer and must not be used once the
// last handle to it has been reset.
func (s String) String() string {
	if s.hdr == nil {
		return ""
	}
	return s.hdr.content()
}

// CString returns a pointer to the NUL-terminated content, or nil for the empty string
func (s String) CString() unsafe.Pointer {
	if s.hdr == nil || s.hdr.length == 0 {
		return nil
	}
	return unsafe.Add(unsafe.Pointer(s.hdr), headerBytes)
}

// Len returns the length of the content in bytes
func (s String) Len() int {
	if s.hdr == nil {
		return 0
	}
	return int(s.hdr.length)
}

// ID returns the identifier the content was interned under. The empty string's ID is 0. IDs are never
// reused, even after a buffer is removed.
func (s String) ID() uint32 {
	if s.hdr == nil {
		return 0
	}
	return s.hdr.id
}

func (s String) IsEmpty() bool {
	return s.Len() == 0
}

// IsStatic reports whether the buffer lives until the pool is destroyed
func (s String) IsStatic() bool {
	return s.hdr == nil || s.hdr.isStatic()
}

// Equal reports whether s and other have the same content. Interned content is unique, so this
// compares buffers rather than bytes.
func (s String) Equal(other String) bool {
	if s.IsEmpty() || other.IsEmpty() {
		return s.IsEmpty() == other.IsEmpty()
	}
	return s.hdr == other.hdr
}
