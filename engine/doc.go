// Package engine runs registered actions on behalf of callers such as the
// reflection server, the CLI and the flowkit façade.
//
// # Responsibilities
//
//   - Resolve actions by key and run them with JSON input and output
//   - Bound concurrency with a slot semaphore that respects ctx
//   - Track runs in flight by trace id so they can be listed and cancelled
//   - Run lifecycle hooks (before/after action, model and tool, on error)
//   - Record OTel metrics for runs, model token usage and flow steps
//
// # Usage
//
//	e := engine.New(func(o *engine.Options) { o.Registry = reg })
//
//	res, err := e.Run(ctx, "/flow/greet", json.RawMessage(`"Ada"`), engine.RunRequest{})
//
//	id, chunks, done := e.Stream(ctx, "/flow/count", nil, engine.RunRequest{})
//	for c := range chunks {
//	    fmt.Println(string(c))
//	}
//	out := <-done
//
//	_ = e.Cancel(id) // NOT_FOUND once the run finished
//
// Cancelled runs fail with status CANCELLED. Unknown keys and unknown run
// ids fail with NOT_FOUND.
package engine
