// Package errors provides the error taxonomy shared by the execution client,
// the coordination service and the transports between them.
//
// Every error carries a code and a category. The category decides retry
// semantics:
//
//   - Transient: the backend may answer on a later attempt (BACKEND, TIMEOUT).
//   - Permanent: the caller misused the API or supplied bad settings
//     (INVALID_LIFECYCLE_STATE, INVALID_CONFIGURATION, UNSUPPORTED_RANGE_KIND,
//     NOT_IMPLEMENTED).
//   - Resource: contention on a lock or token.
//   - Internal: bugs and corrupted state.
//
// # Usage
//
//	err := errors.InvalidLifecycleState("TryStart already called",
//	    errors.WithTask("billing", "nightly-rollup"))
//
//	if errors.Is(err, errors.ErrCodeInvalidLifecycleState) {
//	    // caller bug
//	}
//
// # JSON Serialization
//
// Errors survive a trip over the message bus:
//
//	data, _ := json.Marshal(err)
//	var decoded errors.Error
//	_ = json.Unmarshal(data, &decoded)
package errors
