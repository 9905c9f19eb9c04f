package scheduler

import (
	"container/heap"
	"time"
)

// Entry is one pending expiration: a stable key, the moment it becomes due,
// and the source's own payload handed back to it at expiry.
type Entry struct {
	Key      string
	Deadline time.Time
	Payload  any
}

// deadlineIndex is a keyed min-heap of entries ordered by deadline. Setting
// an existing key updates it in place.
type deadlineIndex struct {
	items []*indexItem
	byKey map[string]*indexItem
}

type indexItem struct {
	entry Entry
	pos   int
}

func newDeadlineIndex() *deadlineIndex {
	return &deadlineIndex{byKey: make(map[string]*indexItem)}
}

func (d *deadlineIndex) Len() int { return len(d.items) }

func (d *deadlineIndex) Less(i, j int) bool {
	return d.items[i].entry.Deadline.Before(d.items[j].entry.Deadline)
}

func (d *deadlineIndex) Swap(i, j int) {
	d.items[i], d.items[j] = d.items[j], d.items[i]
	d.items[i].pos = i
	d.items[j].pos = j
}

func (d *deadlineIndex) Push(x any) {
	item := x.(*indexItem)
	item.pos = len(d.items)
	d.items = append(d.items, item)
}

func (d *deadlineIndex) Pop() any {
	last := len(d.items) - 1
	item := d.items[last]
	d.items[last] = nil
	d.items = d.items[:last]
	return item
}

// Set inserts or updates the entry for its key.
func (d *deadlineIndex) Set(e Entry) {
	if item, ok := d.byKey[e.Key]; ok {
		item.entry = e
		heap.Fix(d, item.pos)
		return
	}
	item := &indexItem{entry: e}
	d.byKey[e.Key] = item
	heap.Push(d, item)
}

// Remove drops the entry for key if present.
func (d *deadlineIndex) Remove(key string) {
	item, ok := d.byKey[key]
	if !ok {
		return
	}
	delete(d.byKey, key)
	heap.Remove(d, item.pos)
}

// Peek returns the earliest entry without removing it.
func (d *deadlineIndex) Peek() (Entry, bool) {
	if len(d.items) == 0 {
		return Entry{}, false
	}
	return d.items[0].entry, true
}

// PopDue removes and returns every entry due at or before now, earliest
// first.
func (d *deadlineIndex) PopDue(now time.Time) []Entry {
	var due []Entry
	for len(d.items) > 0 && !d.items[0].entry.Deadline.After(now) {
		item := heap.Pop(d).(*indexItem)
		delete(d.byKey, item.entry.Key)
		due = append(due, item.entry)
	}
	return due
}
