package duops

import "context"

// Scheduler arranges for an operation to be polled later.
//
// A scheduler owns when and how Poll is called. It must eventually call back
// with the same discriminator and id, and must tolerate finding the operation
// terminal or holding a different schedule handle.
type Scheduler interface {
	Schedule(ctx context.Context, disc OperationDiscriminator, id OperationID) (ScheduleID, error)
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(ctx context.Context, disc OperationDiscriminator, id OperationID) (ScheduleID, error)

func (f SchedulerFunc) Schedule(ctx context.Context, disc OperationDiscriminator, id OperationID) (ScheduleID, error) {
	return f(ctx, disc, id)
}
