package exparo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/exparo/exparo-go/types"
)

// Variant keys with reserved meaning, assigned by the backend.
const (
	VariantA        = "A"
	VariantB        = "B"
	VariantControl  = "control"
	VariantEnabled  = "enabled"
	VariantDisabled = "disabled"
)

// BindingOptions tune a single Bind call.
type BindingOptions struct {
	// RefetchOnMount forces a network resolution even when the store
	// already holds an assignment.
	RefetchOnMount bool
	// DefaultVariant seeds the snapshot when the store holds nothing,
	// avoiding a loading state at the call site.
	DefaultVariant *types.Variant
}

// Snapshot is the point-in-time state a binding exposes. Variant and
// Experiment are nil until a cached, fetched, or pushed assignment
// exists.
type Snapshot struct {
	Variant    *types.Variant
	Experiment *types.Experiment
	// IsLoading is true only while resolving with no variant to show.
	IsLoading bool
	// IsFetching is true while any network resolution is in flight.
	IsFetching bool
	// Err holds the last resolution failure. The last-known-good
	// Variant stays populated alongside it.
	Err error
}

// Payload returns the variant payload, or nil without a variant.
func (s Snapshot) Payload() json.RawMessage {
	if s.Variant == nil {
		return nil
	}
	return s.Variant.Payload
}

func (s Snapshot) variantKey() string {
	if s.Variant == nil {
		return ""
	}
	return s.Variant.Key
}

func (s Snapshot) IsA() bool       { return s.variantKey() == VariantA }
func (s Snapshot) IsB() bool       { return s.variantKey() == VariantB }
func (s Snapshot) IsControl() bool { return s.variantKey() == VariantControl }
func (s Snapshot) IsEnabled() bool { return s.variantKey() == VariantEnabled }
func (s Snapshot) IsDisabled() bool {
	return s.variantKey() == VariantDisabled
}

// IsRunning reports whether the bound experiment is known to be live.
func (s Snapshot) IsRunning() bool {
	return s.Experiment != nil && s.Experiment.IsRunning()
}

// Binding tracks one experiment key for one call site, reconciling the
// cached assignment, async fetches, and push updates into a Snapshot.
// Close releases the push subscription and must be called on teardown.
type Binding struct {
	client *Client
	key    string
	opts   BindingOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	snap      Snapshot
	gen       uint64
	listeners []bindingListener
	nextID    int
	closed    bool

	unsubPush func()
	closeOnce sync.Once
}

type bindingListener struct {
	id int
	fn func(Snapshot)
}

// Bind creates a Binding for experimentKey. The initial snapshot is
// synchronous: the cached assignment when present, otherwise
// opts.DefaultVariant, otherwise a loading state. A network resolution
// starts in the background when no assignment is cached or
// RefetchOnMount is set.
func (c *Client) Bind(experimentKey string, opts BindingOptions) *Binding {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Binding{
		client: c,
		key:    experimentKey,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}

	if v, ok := c.store.GetVariant(experimentKey); ok {
		b.snap.Variant = &v
	} else if opts.DefaultVariant != nil {
		b.snap.Variant = opts.DefaultVariant
	}

	// Registered for the binding's whole lifetime. Pushes replace the
	// snapshot regardless of kind and win over any in-flight fetch.
	b.unsubPush = c.subscribeToPush(experimentKey, b.onPush)

	if b.snap.Variant == nil || opts.RefetchOnMount {
		b.snap.IsLoading = b.snap.Variant == nil
		b.snap.IsFetching = true
		go b.fetch()
	}
	return b
}

// Snapshot returns the current state.
func (b *Binding) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

// Refresh starts a new network resolution in the background.
func (b *Binding) Refresh() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.snap.IsFetching = true
	snap := b.snap
	listeners := b.listenersLocked()
	b.mu.Unlock()

	b.notify(listeners, snap)
	go b.fetch()
}

// OnUpdate registers fn for every snapshot change, invoked in
// registration order. The returned closure removes the registration.
func (b *Binding) OnUpdate(fn func(Snapshot)) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners = append(b.listeners, bindingListener{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			for i, l := range b.listeners {
				if l.id == id {
					b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
		})
	}
}

// Close removes the push subscription and cancels any in-flight
// resolution. The binding is unusable afterwards.
func (b *Binding) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.listeners = nil
		b.mu.Unlock()
		b.cancel()
		b.unsubPush()
	})
}

func (b *Binding) onPush(e types.Experiment, v types.Variant, _ types.UpdateKind) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.gen++
	b.snap.Variant = &v
	b.snap.Experiment = &e
	b.snap.IsLoading = false
	b.snap.Err = nil
	snap := b.snap
	listeners := b.listenersLocked()
	b.mu.Unlock()

	b.notify(listeners, snap)
}

func (b *Binding) fetch() {
	b.mu.Lock()
	start := b.gen
	b.mu.Unlock()

	res, err := b.client.FetchVariantResult(b.ctx, b.key)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.gen != start {
		// A push arrived while the fetch was in flight; arrival order
		// wins and the fetch result is discarded.
		b.snap.IsFetching = false
		snap := b.snap
		listeners := b.listenersLocked()
		b.mu.Unlock()
		b.notify(listeners, snap)
		return
	}
	if err != nil {
		// Stale-while-error: keep the last-known-good variant.
		b.snap.Err = err
	} else {
		b.snap.Variant = &res.Variant
		b.snap.Experiment = &res.Experiment
		b.snap.Err = nil
	}
	b.snap.IsLoading = false
	b.snap.IsFetching = false
	snap := b.snap
	listeners := b.listenersLocked()
	b.mu.Unlock()

	b.notify(listeners, snap)
}

func (b *Binding) listenersLocked() []bindingListener {
	out := make([]bindingListener, len(b.listeners))
	copy(out, b.listeners)
	return out
}

// notify delivers snap to every listener, isolating panics so one
// misbehaving consumer cannot break the others or the resolution that
// produced the snapshot.
func (b *Binding) notify(listeners []bindingListener, snap Snapshot) {
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.client.logger.Error("exparo: binding listener panicked",
						"experiment", b.key,
						"panic", fmt.Sprint(r),
					)
				}
			}()
			l.fn(snap)
		}()
	}
}
