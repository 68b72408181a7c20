package cscp

import (
	"time"

	"github.com/desy-constellation/constellation-go/internal/zmqio"
	"github.com/desy-constellation/constellation-go/protocol"
	zmq4 "github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

// requestBody is the CSCP-specific body following the common header frame
// of a request.
type requestBody struct {
	Verb    string `cbor:"1,keyasint"`
	Payload any    `cbor:"2,keyasint"`
}

// replyBody is the CSCP-specific body following the common header frame of
// a reply.
type replyBody struct {
	Result  string         `cbor:"1,keyasint"`
	Message string         `cbor:"2,keyasint"`
	Payload any            `cbor:"3,keyasint"`
	Meta    map[string]any `cbor:"4,keyasint"`
}

// Responder owns the satellite's single-client-at-a-time REP socket and
// drives it through a Dispatcher (spec.md §4.4: "Synchronous request/reply
// over a single-client-at-a-time framed stream; the satellite binds, the
// controller connects.").
type Responder struct {
	name       string
	sock       *zmq4.Socket
	dispatcher *Dispatcher
	log        *zap.Logger
	stop       chan struct{}
	done       chan struct{}
}

// NewResponder binds a REP socket on interface:port and returns a Responder
// ready to Serve, along with the actually-bound port (meaningful when port
// was 0, requesting an ephemeral bind per spec.md §6).
func NewResponder(name, iface string, port int, dispatcher *Dispatcher, log *zap.Logger) (*Responder, int, error) {
	sock, err := zmq4.NewSocket(zmq4.REP)
	if err != nil {
		return nil, 0, err
	}
	if err := sock.Bind(zmqio.BindAddr(iface, port)); err != nil {
		sock.Close()
		return nil, 0, err
	}
	endpoint, err := sock.GetLastEndpoint()
	if err != nil {
		sock.Close()
		return nil, 0, err
	}
	_ = sock.SetRcvtimeo(250 * time.Millisecond)

	return &Responder{
		name:       name,
		sock:       sock,
		dispatcher: dispatcher,
		log:        log,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, zmqio.ParsePort(endpoint), nil
}

// Serve runs the request/reply loop until Close is called. Launch with go.
func (r *Responder) Serve() {
	defer close(r.done)
	defer r.sock.Close()

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		parts, err := r.sock.RecvMessageBytes(0)
		if err != nil {
			if zmqio.IsTimeout(err) {
				continue
			}
			r.log.Warn("cscp recv error", zap.Error(err))
			continue
		}

		correlationID, reply := r.handle(parts)
		if err := r.send(reply, correlationID); err != nil {
			r.log.Warn("cscp send error", zap.Error(err))
		}
	}
}

// handle decodes one request and dispatches it, returning the caller's
// correlation_id (if any, see cscp.Transmitter.Command) alongside the reply
// so send can echo it back for log cross-referencing.
func (r *Responder) handle(parts [][]byte) (string, Reply) {
	if len(parts) < 2 {
		return "", Reply{Result: ResultInvalid, Message: "malformed request: expected header and body frames"}
	}
	reqHeader, err := protocol.DecodeHeader(parts[0], protocol.TagCSCP)
	if err != nil {
		r.log.Warn("dropping malformed CSCP request", zap.Error(err))
		return "", Reply{Result: ResultInvalid, Message: err.Error()}
	}
	var body requestBody
	if err := protocol.Unmarshal(parts[1], &body); err != nil {
		r.log.Warn("dropping malformed CSCP request body", zap.Error(err))
		return "", Reply{Result: ResultInvalid, Message: "malformed request body"}
	}

	correlationID, _ := reqHeader.Meta["correlation_id"].(string)
	req := Request{
		Header:  protocol.NewHeader(protocol.TagCSCP, r.name, nil),
		Verb:    body.Verb,
		Payload: body.Payload,
	}
	return correlationID, r.dispatcher.Dispatch(req)
}

func (r *Responder) send(reply Reply, correlationID string) error {
	meta := reply.Meta
	if correlationID != "" {
		meta = make(map[string]any, len(reply.Meta)+1)
		for k, v := range reply.Meta {
			meta[k] = v
		}
		meta["correlation_id"] = correlationID
	}
	header := protocol.NewHeader(protocol.TagCSCP, r.name, meta)
	headerBytes, err := header.Encode()
	if err != nil {
		return err
	}
	body := replyBody{Result: string(reply.Result), Message: reply.Message, Payload: reply.Payload, Meta: meta}
	bodyBytes, err := protocol.Marshal(body)
	if err != nil {
		return err
	}
	_, err = r.sock.SendMessage(headerBytes, bodyBytes)
	return err
}

// Close stops Serve and releases the socket.
func (r *Responder) Close() {
	close(r.stop)
	<-r.done
}
