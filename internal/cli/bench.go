package cli

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

const defaultBenchWorkers = 4

// benchKeyTTL overrides the session's default TTL for bench keys, so a short
// --ttl cannot expire a key between its set and get.
const benchKeyTTL = time.Hour

// cmdBench runs n set+get+delete rounds split across workers, each with its
// own handle on the cache, and prints throughput. Keys are removed as it
// goes, so the run does not need spare capacity beyond one entry per worker.
func cmdBench(ctx context.Context, s *session, o *IO, args []string) error {
	n, err := parseCount(args[0], "n")
	if err != nil {
		return err
	}

	workers := defaultBenchWorkers
	if len(args) > 1 {
		workers, err = parseCount(args[1], "workers")
		if err != nil {
			return err
		}
	}

	workers = min(workers, n)

	handles := make([]kv, 0, workers)

	defer func() {
		for _, h := range handles {
			closeErr := h.Close()
			if closeErr != nil {
				o.Warn("bench: close handle: %v", closeErr)
			}
		}
	}()

	for range workers {
		h, openErr := s.open()
		if openErr != nil {
			return fmt.Errorf("bench: open handle: %w", openErr)
		}

		handles = append(handles, h)
	}

	g, ctx := errgroup.WithContext(ctx)

	start := time.Now()

	for w, h := range handles {
		rounds := n / workers
		if w < n%workers {
			rounds++
		}

		g.Go(func() error {
			return benchWorker(ctx, h, w, rounds)
		})
	}

	err = g.Wait()
	if err != nil {
		return fmt.Errorf("bench: %w", err)
	}

	elapsed := time.Since(start)
	ops := 3 * n

	o.Printf("%d rounds on %d handles in %s (%.0f ops/s, %s/op)\n",
		n, workers, elapsed.Round(time.Millisecond),
		float64(ops)/elapsed.Seconds(), (elapsed / time.Duration(ops)).Round(time.Microsecond))

	s.log.Debug().Int("rounds", n).Int("workers", workers).Dur("elapsed", elapsed).Msg("bench finished")

	return nil
}

func benchWorker(ctx context.Context, h kv, worker, rounds int) error {
	key := fmt.Sprintf("__bench:%d", worker)

	var ttl *time.Duration
	if _, ok := h.(*shmcache.Cache); ok {
		d := benchKeyTTL
		ttl = &d
	}

	for i := range rounds {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := set(h, key, i, ttl)
		if err != nil {
			return err
		}

		var got int

		ok, err := h.Get(key, &got)
		if err != nil {
			return err
		}

		if !ok || got != i {
			return fmt.Errorf("worker %d: read %d (found=%v), want %d", worker, got, ok, i)
		}

		_, err = h.Delete(key)
		if err != nil {
			return err
		}
	}

	return nil
}
