// Package heartbeat keeps a running task execution visibly alive.
//
// # Overview
//
// An execution that uses keep-alive death detection must prove liveness to
// the coordination backend while the caller works. KeepAlive runs that proof
// on its own goroutine: one signal right away, then a signal whenever the
// configured interval has passed, checked at a fixed poll granularity.
//
// A failed signal is reported to OnError and otherwise ignored. The backend
// decides whether the execution is dead; the loop never does.
//
// # Usage
//
//	ka, _ := heartbeat.NewKeepAlive(heartbeat.KeepAliveConfig{
//	    Send:     func(ctx context.Context) error { return svc.SendKeepAlive(ctx, req) },
//	    Done:     completed.Load,
//	    Interval: 20 * time.Second,
//	})
//	ka.Start(ctx)
//	...
//	completed.Store(true)
//	ka.Stop()
//
// # Testing
//
// SimulatedClock makes every poll return immediately while advancing
// simulated time, so interval behavior can be checked without sleeping.
package heartbeat
