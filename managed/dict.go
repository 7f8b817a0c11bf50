package managed

import "sync"

// Item is a single key/value pair of a Dict.
type Item struct {
	Key   string
	Value string
}

// Dict is a string mapping with stable key order. Overwriting a key keeps its
// original position and replaces the value.
type Dict struct {
	mu     sync.RWMutex
	keys   []string
	values map[string]string
}

// NewDict creates an empty Dict.
func NewDict() *Dict {
	return &Dict{values: make(map[string]string)}
}

// SetItem stores value under key. Last write wins.
func (d *Dict) SetItem(key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
}

// GetItem returns the value stored under key.
func (d *Dict) GetItem(key string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.values[key]
	return v, ok
}

// Len returns the number of keys.
func (d *Dict) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.keys)
}

// Items returns a snapshot of the pairs in key order.
func (d *Dict) Items() []Item {
	d.mu.RLock()
	defer d.mu.RUnlock()
	items := make([]Item, 0, len(d.keys))
	for _, k := range d.keys {
		items = append(items, Item{Key: k, Value: d.values[k]})
	}
	return items
}

// Map returns a snapshot copy.
func (d *Dict) Map() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m := make(map[string]string, len(d.values))
	for k, v := range d.values {
		m[k] = v
	}
	return m
}
