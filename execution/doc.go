// Package execution runs one attempt of a task against a coordination
// backend.
//
// A Context asks the backend for admission, keeps the attempt alive while
// the caller works, hands out range blocks and critical sections, and
// reports completion exactly once:
//
//	ec := execution.New(svc, sections, factory, "billing", "invoices", opts)
//	defer ec.Close()
//
//	ok, err := ec.TryStart(ctx)
//	if err != nil || !ok {
//	    return err
//	}
//	items, err := ec.GetRangeBlocks(ctx, func(d *blocks.Descriptor) blocks.SettingsDescriptor {
//	    return d.WithDateRange(from, to, 24*time.Hour).ReprocessDeadTasks(2*time.Hour, 45*time.Minute)
//	})
//
// A denied start returns false and is already completed. Close completes a
// started attempt the caller did not complete, so the backend never keeps an
// orphaned running record.
//
// In keep-alive death mode a background loop signals liveness at the
// configured interval until the attempt completes. Signal failures are
// logged and otherwise ignored; the backend decides when an attempt is dead.
package execution
