package store

import "fmt"

// Redis key pattern helpers
//
// All keys are namespaced by database name so several deployments can share
// one Redis server.
//
// Document key pattern: stash:{namespace}:{collection}:doc:{id}
// Index key pattern:    stash:{namespace}:{collection}:index

// DocumentKey returns the Redis hash key holding one envelope.
func DocumentKey(namespace, collection, id string) string {
	return fmt.Sprintf("stash:%s:%s:doc:%s", namespace, collection, id)
}

// IndexKey returns the ZSET key ordering a collection's ids by creation time
// in milliseconds.
func IndexKey(namespace, collection string) string {
	return fmt.Sprintf("stash:%s:%s:index", namespace, collection)
}
