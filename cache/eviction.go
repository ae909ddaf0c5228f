package cache

import "container/list"

// EvictionPolicy chooses which key to remove when an insert would exceed
// the cache's capacity. Implementations are driven entirely by the cache
// under its lock and need no synchronization of their own.
type EvictionPolicy[K comparable] interface {
	// Inserted records that key entered the cache.
	Inserted(key K)
	// Accessed records a read or overwrite of an existing key.
	Accessed(key K)
	// Removed records that key left the cache.
	Removed(key K)
	// Victim returns the key to evict. ok is false when the policy
	// tracks no keys.
	Victim() (key K, ok bool)
}

// orderPolicy keeps keys in a list and evicts from the front. FIFO
// leaves order untouched on access; LRU moves accessed keys to the back.
type orderPolicy[K comparable] struct {
	order    *list.List
	elems    map[K]*list.Element
	onAccess bool
}

// NewFIFO returns a policy that evicts the key inserted earliest.
func NewFIFO[K comparable]() EvictionPolicy[K] {
	return &orderPolicy[K]{order: list.New(), elems: make(map[K]*list.Element)}
}

// NewLRU returns a policy that evicts the key accessed least recently.
func NewLRU[K comparable]() EvictionPolicy[K] {
	return &orderPolicy[K]{order: list.New(), elems: make(map[K]*list.Element), onAccess: true}
}

func (p *orderPolicy[K]) Inserted(key K) {
	if e, ok := p.elems[key]; ok {
		p.order.MoveToBack(e)
		return
	}
	p.elems[key] = p.order.PushBack(key)
}

func (p *orderPolicy[K]) Accessed(key K) {
	if !p.onAccess {
		return
	}
	if e, ok := p.elems[key]; ok {
		p.order.MoveToBack(e)
	}
}

func (p *orderPolicy[K]) Removed(key K) {
	if e, ok := p.elems[key]; ok {
		p.order.Remove(e)
		delete(p.elems, key)
	}
}

func (p *orderPolicy[K]) Victim() (K, bool) {
	front := p.order.Front()
	if front == nil {
		var zero K
		return zero, false
	}
	return front.Value.(K), true
}
