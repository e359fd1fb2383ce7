// Package errors carries two complementary vocabularies.
//
// Kinds are the protocol-level failure names exchanged between Karabo peers
// (`timeout`, `state-violation`, `id-in-use`, ...). A *KindError travels as
// the `error` and `details` attributes of a reply header and is rebuilt on the
// caller side, so
//
//	if errors.Is(err, errors.StateViolation) { ... }
//
// works the same for local and remote failures.
//
// Classification (transient, invalid, fatal) tells infrastructure code what to
// do with an error: reconnect loops retry transient errors, validation paths
// report invalid ones, fatal ones end the operation. Wrap helpers produce the
// "component.method: action failed: cause" form used throughout the module:
//
//	return errors.WrapTransient(err, "Session", "Publish", "send frame")
package errors
