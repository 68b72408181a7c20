package cscp

import (
	"time"

	"github.com/desy-constellation/constellation-go/protocol"
	zmq4 "github.com/pebbe/zmq4"
	"github.com/rs/xid"
)

// Transmitter is the controller-side REQ socket connected to one
// satellite's CSCP Responder (spec.md §4.8: "maintains a map canonical_name
// -> CommandTransmitter").
type Transmitter struct {
	name string // name of the calling controller, used as sender in headers
	sock *zmq4.Socket
}

// Dial connects a new Transmitter to a satellite's CSCP endpoint at addr
// ("host:port").
func Dial(callerName, addr string, timeout time.Duration) (*Transmitter, error) {
	sock, err := zmq4.NewSocket(zmq4.REQ)
	if err != nil {
		return nil, err
	}
	if err := sock.Connect("tcp://" + addr); err != nil {
		sock.Close()
		return nil, err
	}
	_ = sock.SetRcvtimeo(timeout)
	_ = sock.SetSndtimeo(timeout)
	return &Transmitter{name: callerName, sock: sock}, nil
}

// Command sends verb/payload and waits for the reply. Command replies have
// no application timeout per spec.md §5; the Dial-time SetRcvtimeo is the
// controller's own timeout, applied here as documented by that section. Each
// call carries a compact sortable xid as a correlation_id in the request's
// header meta, letting a satellite's logs be cross-referenced to the
// command that caused them.
func (t *Transmitter) Command(verb string, payload any) (Reply, error) {
	header := protocol.NewHeader(protocol.TagCSCP, t.name, map[string]any{"correlation_id": xid.New().String()})
	headerBytes, err := header.Encode()
	if err != nil {
		return Reply{}, err
	}
	body := requestBody{Verb: verb, Payload: payload}
	bodyBytes, err := protocol.Marshal(body)
	if err != nil {
		return Reply{}, err
	}
	if _, err := t.sock.SendMessage(headerBytes, bodyBytes); err != nil {
		return Reply{}, err
	}

	parts, err := t.sock.RecvMessageBytes(0)
	if err != nil {
		return Reply{}, err
	}
	if len(parts) < 2 {
		return Reply{}, &protocol.Error{Tag: protocol.TagCSCP, Reason: "truncated reply"}
	}
	if _, err := protocol.DecodeHeader(parts[0], protocol.TagCSCP); err != nil {
		return Reply{}, err
	}
	var rb replyBody
	if err := protocol.Unmarshal(parts[1], &rb); err != nil {
		return Reply{}, err
	}
	return Reply{Result: VerbResult(rb.Result), Message: rb.Message, Payload: rb.Payload, Meta: rb.Meta}, nil
}

// Close releases the underlying socket.
func (t *Transmitter) Close() error {
	return t.sock.Close()
}
