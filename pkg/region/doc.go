// Package region maps a fixed-size backing file into memory and exposes it as
// a handful of fixed-capacity regions plus a shared client counter.
//
// A [Store] is one process-local handle. Any number of handles, in any number
// of processes, may attach to the same backing file; they all see the same
// bytes through MAP_SHARED. The file is created on first [Open] and removed
// by whichever [Store.Close] drops the client counter to zero.
//
// # Basic Usage
//
//	st, err := region.Open(region.Options{
//	    Path:   "/tmp/mmap_foo",
//	    Layout: region.Layout{Capacity: 8192, Regions: 2},
//	})
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
//	err = st.WithLock(func(tx *region.Tx) error {
//	    doc, err := tx.LoadDocument(0)
//	    if err != nil {
//	        return err
//	    }
//	    // ... mutate doc ...
//	    return tx.StoreDocument(0, doc)
//	})
//
// # Concurrency
//
// Every locked section takes flock(2) on Path+".lock". flock belongs to an
// open file description, so it serializes handles within one process as well
// as across processes. Raw methods on [Store] (ReadRegion, WriteRegion, the
// counter accessors) do not lock; use them only for inspection or when the
// caller coordinates by other means.
//
// The store is not crash safe. A process that dies inside a locked section
// can leave a region half written; the next reader sees [ErrFormat].
package region
