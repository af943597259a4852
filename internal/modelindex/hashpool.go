package modelindex

import (
	"context"
	"runtime"
	"sync"

	"comfyenv/internal/cas"
)

// defaultWorkers caps the hashing worker pool.
const defaultWorkers = 8

type hashJob struct {
	path string
	size int64
	mod  int64
}

type hashResult struct {
	path string
	hash cas.Hash
	size int64
	mod  int64
}

// hashAll hashes the given files across a bounded worker pool. Hashing is
// the only CPU-heavy part of a sync; the pool is bound by core count, not
// by the number of files. Cancellation is honored between files, never
// mid-hash.
func (s *Store) hashAll(ctx context.Context, files []struct {
	path string
	size int64
	mod  int64
}) ([]hashResult, []ScanError) {
	if len(files) == 0 {
		return nil, nil
	}

	workers := runtime.NumCPU()
	if workers > defaultWorkers {
		workers = defaultWorkers
	}
	if workers > len(files) {
		workers = len(files)
	}

	jobs := make(chan hashJob, workers*2)
	var mu sync.Mutex
	var results []hashResult
	var failures []ScanError

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if ctx.Err() != nil {
					continue
				}
				h, n, err := s.hashFile(job.path)
				mu.Lock()
				if err != nil {
					failures = append(failures, ScanError{Path: job.path, Err: err})
				} else {
					// n wins over the walk-time stat if the file grew
					// while being written.
					results = append(results, hashResult{path: job.path, hash: h, size: n, mod: job.mod})
				}
				mu.Unlock()
			}
		}()
	}

	for _, f := range files {
		if ctx.Err() != nil {
			break
		}
		jobs <- hashJob(f)
	}
	close(jobs)
	wg.Wait()

	return results, failures
}
