// Package parallel provides the fork-join loop used by the numeric stages.
package parallel

import (
	"runtime"
	"sync"
)

// For calls fn(i) for every i in [0, n) using up to runtime.NumCPU() goroutines.
// Work is split into contiguous ranges, one per worker, and For returns once
// every call has finished. fn must only write to state owned by index i.
func For(n int, fn func(i int)) {
	Workers(n, runtime.NumCPU(), fn)
}

// Workers is For with an explicit worker limit
func Workers(n, workers int, fn func(i int)) {
	if n <= 0 {
		return
	}
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	if workers == 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	perWorker := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		startIdx := w * perWorker
		endIdx := startIdx + perWorker
		if endIdx > n {
			endIdx = n
		}
		if startIdx >= n {
			break
		}

		wg.Add(1)
		go func(startIdx, endIdx int) {
			defer wg.Done()
			for i := startIdx; i < endIdx; i++ {
				fn(i)
			}
		}(startIdx, endIdx)
	}
	wg.Wait()
}
