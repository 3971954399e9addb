package filtergraph

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var _ Unknown = (*Object)(nil)

// Object holds the reference count and capability table shared by everything a graph
// manipulates. Objects created with an outer object share its reference counter, which
// is how pins keep their filter alive.
type Object struct {
	caps     map[uuid.UUID]Unknown
	identity Unknown
	rc       *refCounter
}

type ObjectOptions struct {
	Outer *Object
}

type refCounter struct {
	count     uint32
	destroyed uint32
	mf        sync.Mutex // Locks fs
	fs        []func()
}

// NewObject creates an object whose identity is the provided value. Its reference count
// starts at 1.
func NewObject(identity Unknown, o ObjectOptions) *Object {
	obj := &Object{
		caps:     make(map[uuid.UUID]Unknown),
		identity: identity,
	}
	if o.Outer != nil {
		obj.rc = o.Outer.rc
	} else {
		obj.rc = &refCounter{count: 1}
	}
	return obj
}

// AddCapability must only be called before the object is handed to anyone else
func (o *Object) AddCapability(id uuid.UUID, v Unknown) {
	o.caps[id] = v
}

func (o *Object) QueryCapability(id uuid.UUID) (Unknown, error) {
	// Object is destroyed
	if o.rc.isDestroyed() {
		return nil, ErrDestroyed
	}

	// Identity
	if id == CapabilityIDUnknown {
		return o.identity, nil
	}

	// Capability is not supported
	v, ok := o.caps[id]
	if !ok {
		return nil, ErrNotSupported
	}
	return v, nil
}

func (o *Object) Retain() uint32 {
	for {
		c := atomic.LoadUint32(&o.rc.count)
		if c == 0 {
			return 0
		}
		if atomic.CompareAndSwapUint32(&o.rc.count, c, c+1) {
			return c + 1
		}
	}
}

func (o *Object) Release() uint32 {
	for {
		c := atomic.LoadUint32(&o.rc.count)
		if c == 0 {
			return 0
		}
		if !atomic.CompareAndSwapUint32(&o.rc.count, c, c-1) {
			continue
		}
		if c == 1 {
			o.rc.destroy()
		}
		return c - 1
	}
}

func (o *Object) RefCount() uint32 {
	return atomic.LoadUint32(&o.rc.count)
}

func (o *Object) Destroyed() bool {
	return o.rc.isDestroyed()
}

// OnDestroy adds a function executed when the count reaches zero. Functions are executed
// in reverse order.
func (o *Object) OnDestroy(fn func()) {
	o.rc.mf.Lock()
	defer o.rc.mf.Unlock()
	o.rc.fs = append(o.rc.fs, fn)
}

func (rc *refCounter) isDestroyed() bool {
	return atomic.LoadUint32(&rc.destroyed) == 1
}

func (rc *refCounter) destroy() {
	// Only once
	if !atomic.CompareAndSwapUint32(&rc.destroyed, 0, 1) {
		return
	}

	// Get functions
	rc.mf.Lock()
	fs := rc.fs
	rc.fs = nil
	rc.mf.Unlock()

	// Execute functions
	for idx := len(fs) - 1; idx >= 0; idx-- {
		fs[idx]()
	}
}
