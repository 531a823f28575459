package flow

import (
	"hash/fnv"
	"sync"
)

// shardCount follows the DESIGN NOTES guidance ("prefer a sharded map
// keyed by a hash of the flow key; coarse-grained locking is acceptable
// for N <= a few thousand flows").
const shardCount = 16

type shard struct {
	mu    sync.Mutex
	flows map[Key]*TcpFlow
}

// Table is the concurrent-safe set of live TCP flows, keyed by
// (client_src_port, dst_ip, dst_port).
type Table struct {
	shards [shardCount]*shard
}

// NewTable constructs an empty flow table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i] = &shard{flows: make(map[Key]*TcpFlow)}
	}
	return t
}

func (t *Table) shardFor(key Key) *shard {
	h := fnv.New32a()
	h.Write([]byte{
		byte(key.SrcPort >> 8), byte(key.SrcPort),
		key.DstIP[0], key.DstIP[1], key.DstIP[2], key.DstIP[3],
		byte(key.DstPort >> 8), byte(key.DstPort),
	})
	return t.shards[h.Sum32()%shardCount]
}

// Lookup returns the flow for key, if any.
func (t *Table) Lookup(key Key) (*TcpFlow, bool) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	f, ok := sh.flows[key]
	return f, ok
}

// Insert adds f to the table under its key, replacing any prior entry.
// Callers must ensure the SYN precondition (no existing flow for the key)
// has already been checked via Lookup before deciding to create f.
func (t *Table) Insert(f *TcpFlow) {
	sh := t.shardFor(f.Key)
	sh.mu.Lock()
	sh.flows[f.Key] = f
	sh.mu.Unlock()
}

// Delete removes the flow for key, if present.
func (t *Table) Delete(key Key) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	delete(sh.flows, key)
	sh.mu.Unlock()
}

// Len returns the total number of tracked flows across all shards.
func (t *Table) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		n += len(sh.flows)
		sh.mu.Unlock()
	}
	return n
}

// Range calls fn for every flow currently in the table. Each shard is
// snapshotted under its lock and fn runs after that lock is released, so
// fn may call the table's methods.
func (t *Table) Range(fn func(*TcpFlow)) {
	for _, sh := range t.shards {
		sh.mu.Lock()
		snapshot := make([]*TcpFlow, 0, len(sh.flows))
		for _, f := range sh.flows {
			snapshot = append(snapshot, f)
		}
		sh.mu.Unlock()

		for _, f := range snapshot {
			fn(f)
		}
	}
}
