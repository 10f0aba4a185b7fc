// Package shmcache is a key-value cache shared between processes through a
// memory-mapped file.
//
// Every process that opens the same name in the same directory sees the same
// entries. The backing file has a fixed size: each region holds one encoded
// document (JSON by default) padded with spaces, and a five digit counter at
// the end tracks how many handles are attached. The last handle to close
// removes the file.
//
// # Basic Usage
//
//	c, err := shmcache.Open(shmcache.Options{Name: "sessions", Capacity: 16 << 10})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	err = c.Set("user:1", map[string]any{"name": "ada"}, shmcache.WithTTL(time.Minute))
//
//	var user struct{ Name string }
//	ok, err := c.Get("user:1", &user)
//
// [Dict] is the same without expiration and with a smaller file.
//
// # Expiration
//
// Expiry times are stored in whole unix seconds in a second region. Expired
// entries are removed lazily the next time any handle loads the data: there
// is no background sweeper, and an expired entry takes up capacity until
// then. A TTL of zero expires the key at the next access.
//
// # Concurrency
//
// Each operation decodes, mutates and re-encodes the whole document under an
// exclusive flock(2) on the backing file's ".lock" sibling. Operations are
// therefore atomic across goroutines and processes, and each costs time
// proportional to the size of the cache.
//
// # Errors
//
// All errors wrap one of the sentinels in errors.go and can be matched with
// [errors.Is]. [ErrFormat] means the shared file is not in the expected
// layout or a document failed to decode; the cache never treats unreadable
// data as empty. Reopen with Options.ForceReset to recover.
package shmcache
