package persist

import "context"

// job is one queued asynchronous request. run performs it and invokes the
// caller's callback; fail invokes the callback with err instead.
type job struct {
	run  func(ctx context.Context)
	fail func(err error)
}

// submit queues j without blocking.
func (s *Service) submit(j job) error {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	if s.closed.Load() {
		return ErrServiceClosed
	}
	select {
	case s.queue <- j:
		s.metrics.RecordQueueDepth(context.Background(), len(s.queue))
		return nil
	default:
		s.stats.TrackError("queue_full")
		return ErrQueueFull
	}
}

// dispatch runs queued jobs in order until the queue is closed.
func (s *Service) dispatch() {
	defer close(s.done)
	ctx := context.Background()
	for j := range s.queue {
		if s.stopping.Load() {
			j.fail(ErrServiceClosed)
			continue
		}
		j.run(ctx)
	}
}
