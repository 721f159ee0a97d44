package exec

import (
	"fmt"
	"sync"

	"github.com/felixgeelhaar/statekit"

	"github.com/felixgeelhaar/manuscript/internal/errors"
)

// Lifecycle events. Machine states are the Status values themselves.
const (
	eventStart    = "start"
	eventComplete = "complete"
	eventFail     = "fail"
	eventCancel   = "cancel"
)

func stateOf(s Status) statekit.StateID {
	return statekit.StateID(s)
}

type lifecycleContext struct{}

type interpreterFactory func() *statekit.Interpreter[lifecycleContext]

var (
	machinesMu sync.Mutex
	machines   = map[Status]interpreterFactory{}
)

// lifecycleInterpreter returns a fresh interpreter positioned at initial.
// Machine definitions are built once per initial state.
func lifecycleInterpreter(initial Status) (*statekit.Interpreter[lifecycleContext], error) {
	machinesMu.Lock()
	defer machinesMu.Unlock()
	if factory, ok := machines[initial]; ok {
		return factory(), nil
	}

	builder := statekit.NewMachine[lifecycleContext]("execution-lifecycle").
		WithInitial(stateOf(initial)).
		WithContext(lifecycleContext{})

	builder.State(stateOf(StatusPending)).
		On(eventStart).Target(stateOf(StatusRunning)).
		On(eventFail).Target(stateOf(StatusFailed)).
		On(eventCancel).Target(stateOf(StatusCancelled)).
		Done()

	builder.State(stateOf(StatusRunning)).
		On(eventComplete).Target(stateOf(StatusCompleted)).
		On(eventFail).Target(stateOf(StatusFailed)).
		On(eventCancel).Target(stateOf(StatusCancelled)).
		Done()

	for _, final := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		builder.State(stateOf(final)).Done()
	}

	machine, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build lifecycle machine: %w", err)
	}
	factory := func() *statekit.Interpreter[lifecycleContext] {
		return statekit.NewInterpreter(machine)
	}
	machines[initial] = factory
	return factory(), nil
}

// nextStatus applies event to current and returns the resulting status.
// Events that are not valid in the current state return an EXEC-008 error.
func nextStatus(current Status, event string) (Status, error) {
	interp, err := lifecycleInterpreter(current)
	if err != nil {
		return current, err
	}
	interp.Start()
	interp.Send(statekit.Event{Type: statekit.EventType(event)})
	after := Status(interp.State().Value)

	if after == current {
		return current, errors.New(errors.ErrCodeExecInvalidTransition,
			fmt.Sprintf("cannot %s an execution that is %s", event, current))
	}
	return after, nil
}

// CanCancel reports whether an execution in status s may still be cancelled
func CanCancel(s Status) bool {
	_, err := nextStatus(s, eventCancel)
	return err == nil
}
