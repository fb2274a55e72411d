// Package shutdown tears a taskkit process down in order.
//
// Handlers are registered in phases. Lower phases run first and handlers
// sharing a phase run concurrently:
//
//	seq := shutdown.New(shutdown.DefaultConfig(), logger)
//	seq.RegisterPhase("execution", shutdown.Closer(ec), shutdown.PhaseExecutions)
//	seq.RegisterPhase("server", shutdown.Func(func(context.Context) error { return srv.Stop() }), shutdown.PhaseServers)
//	seq.RegisterPhase("bus", shutdown.Closer(mb), shutdown.PhaseConnections)
//	seq.HandleSignals()
//	<-seq.Done()
//
// Completing executions first returns their execution tokens to the pool
// while the bus is still up.
package shutdown
