package cscp

import (
	"errors"
	"fmt"

	"github.com/desy-constellation/constellation-go/fsm"
)

// lifecycleVerbs is the set of verb strings the dispatcher routes to the
// lifecycle state machine instead of the user registry (spec.md §4.4:
// "Reserved verbs: ... plus every admissible lifecycle verb").
var lifecycleVerbs = map[string]fsm.Verb{
	"initialize":  fsm.VerbInitialize,
	"launch":      fsm.VerbLaunch,
	"land":        fsm.VerbLand,
	"start":       fsm.VerbStart,
	"stop":        fsm.VerbStop,
	"interrupt":   fsm.VerbInterrupt,
	"reconfigure": fsm.VerbReconfigure,
	"recover":     fsm.VerbRecover,
	"failure":     fsm.VerbFailure,
	"shutdown":    fsm.VerbShutdown,
}

// Dispatcher implements the CSCP dispatch algorithm of spec.md §4.4,
// routing lifecycle verbs to a fsm.Machine and everything else through an
// explicit Registry.
type Dispatcher struct {
	name     string
	class    string
	machine  *fsm.Machine
	registry *Registry
}

// NewDispatcher creates a Dispatcher for a satellite identified by
// name/class, backed by machine for lifecycle verbs and registry for
// everything else.
func NewDispatcher(name, class string, machine *fsm.Machine, registry *Registry) *Dispatcher {
	d := &Dispatcher{name: name, class: class, machine: machine, registry: registry}
	registry.AddCommand("get_commands", "Return all commands supported by the satellite.", d.getCommands, nil)
	registry.AddCommand("get_class", "Return the class of the satellite.", d.getClass, nil)
	registry.AddCommand("get_name", "Return the canonical name of the satellite.", d.getName, nil)
	registry.AddCommand("get_state", "Return the current lifecycle state.", d.getState, nil)
	registry.AddCommand("get_status", "Return a human-readable status summary.", d.getStatus, nil)
	return d
}

// Dispatch runs the five-step algorithm of spec.md §4.4 against req and
// returns the reply to send back. Decoding failures are handled by the
// transport before Dispatch is called (they never reach here); Dispatch
// always starts from step 2 (lowercase + lookup).
func (d *Dispatcher) Dispatch(req Request) Reply {
	verb := req.NormalizedVerb()

	if fverb, ok := lifecycleVerbs[verb]; ok {
		return d.dispatchLifecycle(verb, fverb, req)
	}

	e, ok := d.registry.lookup(verb)
	if !ok {
		return Reply{Result: ResultUnknown, Message: fmt.Sprintf("Unknown command: %s", req.Verb)}
	}

	if e.guard != nil && !e.guard(req) {
		return Reply{Result: ResultInvalid, Message: fmt.Sprintf("Not allowed: %s", req.Verb)}
	}

	message, payload, meta, err := e.handler(req)
	if err != nil {
		return mapHandlerError(verb, err)
	}
	if message == "" {
		return Reply{Result: ResultIncomplete, Message: "Command returned nothing"}
	}
	return Reply{Result: ResultSuccess, Message: message, Payload: payload, Meta: meta}
}

func (d *Dispatcher) dispatchLifecycle(verb string, fverb fsm.Verb, req Request) Reply {
	accepted, err := d.machine.Request(fverb, req.Payload)
	if err != nil {
		var invalid *fsm.InvalidTransition
		if errors.As(err, &invalid) {
			return Reply{Result: ResultInvalid, Message: fmt.Sprintf("Transition not allowed: %s", invalid.Error())}
		}
		return Reply{Result: ResultError, Message: err.Error()}
	}
	return Reply{
		Result:  ResultSuccess,
		Message: fmt.Sprintf("Transitioning to %s", accepted),
		Meta:    map[string]any{"state": string(accepted)},
	}
}

func mapHandlerError(verb string, err error) Reply {
	var argErr *ArgumentError
	if errors.As(err, &argErr) {
		return Reply{Result: ResultIncomplete, Message: fmt.Sprintf("Wrong argument: %s", argErr.Error())}
	}
	var notImpl *NotImplementedError
	if errors.As(err, &notImpl) {
		return Reply{Result: ResultNotImplemented, Message: "WrongImplementation", Payload: notImpl.Error()}
	}
	return Reply{Result: ResultError, Message: fmt.Sprintf("Exception: %s", err.Error())}
}

func (d *Dispatcher) getCommands(req Request) (string, any, map[string]any, error) {
	summaries := d.registry.Summaries()
	return fmt.Sprintf("%d commands known", len(summaries)), summaries, nil, nil
}

func (d *Dispatcher) getClass(req Request) (string, any, map[string]any, error) {
	return d.class, nil, nil, nil
}

func (d *Dispatcher) getName(req Request) (string, any, map[string]any, error) {
	return d.name, nil, nil, nil
}

func (d *Dispatcher) getState(req Request) (string, any, map[string]any, error) {
	state := string(d.machine.State())
	return state, state, nil, nil
}

func (d *Dispatcher) getStatus(req Request) (string, any, map[string]any, error) {
	status := fmt.Sprintf("%s (%s) is %s", d.name, d.class, d.machine.State())
	return status, nil, nil, nil
}
