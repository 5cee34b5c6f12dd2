package request

import (
	"context"
	"sync"
)

// BatchRequest describes one request within a batch.
type BatchRequest struct {
	Endpoint string
	Options  Options
}

// BatchOptions controls batch execution.
type BatchOptions struct {
	// Concurrency caps how many batch requests run simultaneously (default: 3).
	Concurrency int
	// FailFast aborts the whole batch on the first error instead of
	// collecting per-index failures.
	FailFast bool
}

// BatchFailure records one failed request by its original index.
type BatchFailure struct {
	Index int
	Err   error
}

// Batch runs independent requests with a concurrency ceiling. Responses are
// positioned by original index (nil where the request failed). Unless
// FailFast is set, errors are collected as BatchFailures rather than raised.
func (c *Client) Batch(ctx context.Context, reqs []BatchRequest, opts BatchOptions) ([]*Response, []BatchFailure, error) {
	if len(reqs) == 0 {
		return nil, nil, nil
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 3
	}

	batchCtx := ctx
	var cancel context.CancelFunc
	if opts.FailFast {
		batchCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	responses := make([]*Response, len(reqs))
	var failures []BatchFailure
	var firstErr error
	var mu sync.Mutex
	var wg sync.WaitGroup

	sem := make(chan struct{}, concurrency)

	for i, req := range reqs {
		wg.Add(1)
		go func(idx int, r BatchRequest) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-batchCtx.Done():
				mu.Lock()
				failures = append(failures, BatchFailure{Index: idx, Err: batchCtx.Err()})
				mu.Unlock()
				return
			}
			defer func() { <-sem }()

			resp, err := c.Do(batchCtx, r.Endpoint, r.Options)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, BatchFailure{Index: idx, Err: err})
				if opts.FailFast && firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			responses[idx] = resp
		}(i, req)
	}
	wg.Wait()

	if opts.FailFast && firstErr != nil {
		return responses, failures, firstErr
	}
	return responses, failures, nil
}
