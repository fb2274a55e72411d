// Package state provides the shared key-value storage behind the reference
// coordination service.
//
// The StateStore interface offers Get/Put/Delete with optional TTL, the
// optimistic-concurrency pair Create (put-if-absent) and Update
// (compare-and-swap on revision), and TTL-bound locks. Three backends
// implement it: NATS JetStream KV for fleets, SQLite for a single durable
// node, and memory for tests.
//
// # Usage
//
//	nc, _ := nats.Connect("nats://localhost:4222")
//	store, _ := state.NewNATSStore(state.NATSStoreConfig{Conn: nc, Bucket: "taskkit"})
//
//	// Claim a slot exactly once across the fleet
//	rev, err := store.Create("tokens.billing.rollup.0", holder)
//	if err == state.ErrKeyExists {
//	    kv, _ := store.GetKeyValue("tokens.billing.rollup.0")
//	    // take it over only if nobody else has since
//	    _, err = store.Update(kv.Key, holder, kv.Revision)
//	}
//
//	// Mutual exclusion
//	lock, err := store.Lock("critical.billing.rollup", 30*time.Second)
//	if err == nil {
//	    defer lock.Unlock()
//	}
package state
