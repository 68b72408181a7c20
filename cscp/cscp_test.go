package cscp

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/desy-constellation/constellation-go/fsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRegistryAddAndLookup(t *testing.T) {
	r := NewRegistry()
	r.AddCommand("echo", "echoes its argument", func(req Request) (string, any, map[string]any, error) {
		return "ok", req.Payload, nil, nil
	}, nil)

	e, ok := r.lookup("echo")
	require.True(t, ok)
	msg, payload, _, err := e.handler(Request{Payload: 42})
	require.NoError(t, err)
	assert.Equal(t, "ok", msg)
	assert.Equal(t, 42, payload)
	assert.Equal(t, "echoes its argument", r.Summaries()["echo"])
}

func TestDispatchUnknownVerb(t *testing.T) {
	m := fsm.New("sat", zaptest.NewLogger(t))
	d := NewDispatcher("sat", "Demo", m, NewRegistry())
	reply := d.Dispatch(Request{Verb: "frobnicate"})
	assert.Equal(t, ResultUnknown, reply.Result)
}

func TestDispatchLifecycleVerb(t *testing.T) {
	m := fsm.New("sat", zaptest.NewLogger(t))
	m.AddHandler("initialize", func(_ context.Context, _ any) (string, error) { return "ok", nil })
	d := NewDispatcher("sat", "Demo", m, NewRegistry())
	m.Start()
	defer m.Stop()

	reply := d.Dispatch(Request{Verb: "INITIALIZE"})
	require.Equal(t, ResultSuccess, reply.Result)
	assert.Equal(t, string(fsm.StateInitializing), reply.Meta["state"])
}

func TestDispatchGuardRejectsVerb(t *testing.T) {
	m := fsm.New("sat", zaptest.NewLogger(t))
	reg := NewRegistry()
	reg.AddCommand("restricted", "only allowed sometimes", func(req Request) (string, any, map[string]any, error) {
		return "ok", nil, nil, nil
	}, func(req Request) bool { return false })
	d := NewDispatcher("sat", "Demo", m, reg)

	reply := d.Dispatch(Request{Verb: "restricted"})
	assert.Equal(t, ResultInvalid, reply.Result)
}

func TestDispatchMapsArgumentError(t *testing.T) {
	m := fsm.New("sat", zaptest.NewLogger(t))
	reg := NewRegistry()
	reg.AddCommand("needs_arg", "needs an argument", func(req Request) (string, any, map[string]any, error) {
		return "", nil, nil, &ArgumentError{Verb: "needs_arg", Reason: "missing foo"}
	}, nil)
	d := NewDispatcher("sat", "Demo", m, reg)

	reply := d.Dispatch(Request{Verb: "needs_arg"})
	assert.Equal(t, ResultIncomplete, reply.Result)
}

func TestGetClassReservedVerb(t *testing.T) {
	m := fsm.New("sat", zaptest.NewLogger(t))
	d := NewDispatcher("sat", "Demo", m, NewRegistry())
	reply := d.Dispatch(Request{Verb: "get_class"})
	assert.Equal(t, ResultSuccess, reply.Result)
	assert.Equal(t, "Demo", reply.Message)
}

// TestResponderEchoesCorrelationID exercises the real REQ/REP transport end
// to end: a Transmitter's per-command xid correlation_id must come back on
// the reply's meta unchanged.
func TestResponderEchoesCorrelationID(t *testing.T) {
	log := zaptest.NewLogger(t)
	m := fsm.New("sat", log)
	d := NewDispatcher("sat", "Demo", m, NewRegistry())
	responder, port, err := NewResponder("sat", "127.0.0.1", 0, d, log)
	require.NoError(t, err)
	go responder.Serve()
	defer responder.Close()

	client, err := Dial("ctrl", "127.0.0.1:"+strconv.Itoa(port), time.Second)
	require.NoError(t, err)
	defer client.Close()

	reply, err := client.Command("get_name", nil)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, reply.Result)
	assert.Equal(t, "sat", reply.Message)
	correlationID, _ := reply.Meta["correlation_id"].(string)
	assert.NotEmpty(t, correlationID)
}
