// Package bus carries taskkit requests between workers and the coordinator.
//
// MessageBus offers pub/sub, queue groups and request/reply with a
// channel-based API. Two implementations exist:
//
//   - NATSBus: NATS core messaging for multi-process deployments
//   - MemoryBus: in-process delivery for tests and single-binary setups
//
// Request/reply:
//
//	// Responder
//	sub, _ := b.QueueSubscribe("taskkit.execution.start", "coordinators")
//	for msg := range sub.Messages() {
//	    b.Publish(msg.Reply, response)
//	}
//
//	// Requester
//	reply, err := b.Request(ctx, "taskkit.execution.start", body)
//
// Coordinators join one queue group so each request is served once no
// matter how many replicas run.
package bus
