// Package coordinator is a reference coordination backend for package
// execution.
//
// Service admits executions against per-task concurrency limits held in a
// state.StateStore. Each limited task has limit token slots; a start claims a
// free slot, or takes over a slot whose holder is dead, or is denied. Every
// write goes through compare-and-swap, so any number of coordinators may
// share one store:
//
//	executions.<id>              execution record (JSON)
//	limits.<app>.<task>          concurrency limit
//	tokens.<app>.<task>.<slot>   token slot and its holder
//	critical.<app>.<task>        critical section lock
//
// An execution is dead once its keep-alive signals stop for longer than its
// keep-alive threshold, or in override mode once it has run longer than its
// override threshold.
//
// Server answers requests on a bus.MessageBus; Client is the matching
// execution.TaskExecutionService for workers:
//
//	store, _ := state.NewNATSStore(state.DefaultNATSStoreConfig())
//	svc := coordinator.NewService(store)
//	srv := coordinator.NewServer(mb, svc, coordinator.NewCriticalSections(store, nil))
//	srv.Start(ctx)
//
//	client := coordinator.NewClient(mb)
//	ec := execution.New(client, client.CriticalSections(), factory, "billing", "invoices", opts)
//
// Admin exposes health, Prometheus metrics, execution listings and limits
// over HTTP.
package coordinator
