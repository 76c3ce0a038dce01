// Package eventloop provides the single logical event queue the sync core runs on.
//
// Every piece of mutable client state (field sessions, the query cache, the
// router, the idle tracker) is confined to the loop goroutine. Components never
// lock; they schedule work through a Scheduler and trust that callbacks run one
// at a time, in order.
//
// # Scheduling
//
// A Scheduler offers three things: timers (AfterFunc), background work whose
// completion comes back to the loop (Go), and the current time (Now). Loop
// implements it on a real goroutine:
//
//	loop := eventloop.New(nil)
//	if err := loop.Start(); err != nil {
//	    return err
//	}
//	defer loop.Stop()
//
//	loop.Go(func(ctx context.Context) error {
//	    return client.PatchField(ctx, w)   // off the loop
//	}, func(err error) {
//	    session.complete(w, err)           // back on the loop
//	})
//
// Code outside the loop reaches loop-confined state with Post (fire and
// forget) or Do (wait for the callback to finish).
//
// Package eventlooptest provides Manual, a Scheduler with a virtual clock and
// an explicit job queue, for tests that need to control timing and the order
// in which background work completes.
package eventloop
