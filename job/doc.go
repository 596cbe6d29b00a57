// Package job defines the stateful representation of a unit of work within
// the queue engine's lifecycle.
//
// A Record extends message.Message with delivery, scheduling and retry
// metadata. It represents a job as stored and managed by a Driver
// implementation. Unlike message.Message, Record carries state-machine
// fields such as Status, Attempts, the claim lease (ReservedAt) and
// scheduling timestamps (AvailableAt). These fields are maintained by the
// driver, never by caller code.
//
// Record values returned by a Driver are snapshots; mutating them does
// not change storage state. Transitions happen only through Driver
// operations; the outcome of an execution is validated against
// CanTransition before it is committed.
//
// FailedRecord is the dead-letter-queue counterpart produced when a
// Record exhausts its retry budget; it is never constructed by user code
// either.
package job
