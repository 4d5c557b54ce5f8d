package quota

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Fetcher retrieves fresh per-model fractions for one account, typically via
// the provider's models-list call.
type Fetcher interface {
	FetchQuota(ctx context.Context, accountID string) (map[string]float64, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, accountID string) (map[string]float64, error)

// FetchQuota calls f.
func (f FetcherFunc) FetchQuota(ctx context.Context, accountID string) (map[string]float64, error) {
	return f(ctx, accountID)
}

// Refresher runs background quota refreshes through a bounded worker pool.
// Duplicate requests for an account already queued or in flight are dropped,
// so a request burst against a cold cache costs one upstream call.
type Refresher struct {
	ledger  *Ledger
	fetcher Fetcher

	mu       sync.Mutex
	inflight map[string]struct{}
	queue    chan string

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRefresher starts workers goroutines draining the refresh queue.
func NewRefresher(ledger *Ledger, fetcher Fetcher, workers int) *Refresher {
	if workers <= 0 {
		workers = 2
	}
	r := &Refresher{
		ledger:   ledger,
		fetcher:  fetcher,
		inflight: make(map[string]struct{}),
		queue:    make(chan string, 64),
		stop:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Request enqueues a refresh for the account. Never blocks; a full queue or
// an already-pending refresh drops the request.
func (r *Refresher) Request(accountID string) {
	r.mu.Lock()
	if _, pending := r.inflight[accountID]; pending {
		r.mu.Unlock()
		return
	}
	r.inflight[accountID] = struct{}{}
	r.mu.Unlock()

	select {
	case r.queue <- accountID:
	default:
		r.mu.Lock()
		delete(r.inflight, accountID)
		r.mu.Unlock()
		log.WithField("account", accountID).Debug("quota refresh queue full, dropping")
	}
}

// Close stops the workers and waits for in-flight refreshes to finish.
func (r *Refresher) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *Refresher) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case accountID := <-r.queue:
			r.refreshOne(accountID)
		}
	}
}

func (r *Refresher) refreshOne(accountID string) {
	defer func() {
		r.mu.Lock()
		delete(r.inflight, accountID)
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fractions, err := r.fetcher.FetchQuota(ctx, accountID)
	if err != nil {
		// Best effort only.
		log.WithError(err).WithField("account", accountID).Debug("background quota refresh failed")
		return
	}
	r.ledger.UpsertQuota(accountID, fractions)
}
