// Package durable implements named, checkpointed steps.
//
// A step wraps one side-effecting unit of work. The first successful
// execution of a step commits its JSON-encoded output to a Journal under
// (run ID, step name). Any later execution of the same step within the same
// run, including one after the process was restarted, returns the committed
// output without calling the work function again.
//
//	journal := durable.NewMemoryJournal()
//	ex := durable.NewExecutor(journal, runID)
//
//	id, err := durable.Step(ctx, ex, "create-sandbox", func(ctx context.Context) (string, error) {
//	    return provider.Create(ctx, "nextjs")
//	})
//
// Failed steps are never committed: the error is returned to the caller and
// a retry executes the work again.
package durable
