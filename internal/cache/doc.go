// Package cache defines the named-store primitive behind the image cache and
// the FIFO eviction policy that keeps each store bounded. A Storage hands out
// Stores by name (one of them is "current", the rest are stale versions);
// a Store keeps RequestKey -> StoredResponse pairs in insertion order.
// Three drivers implement the contract: a disk layout under
// StoragePath/<store>/ with temp file + rename writes, an in-memory driver,
// and a Redis driver for deployments that share one cache between replicas.
// Higher layers (manager, proxy) only depend on the interfaces in store.go.
package cache
