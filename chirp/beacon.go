package chirp

import (
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Offered describes one locally-published service: its kind and TCP port,
// so the beacon can answer REQUEST packets with one OFFER per service.
type Offered struct {
	Service ServiceKind
	Port    uint16
}

// Transmitter broadcasts and listens for CHIRP datagrams on one UDP socket,
// and maintains a ServiceTable of everything it has heard. It is the Go
// analogue of CHIRPBeaconTransmitter in the Python original
// (constellation/core/chirp.py), generalised with a listener goroutine in
// the teacher's style (gossip.Gossiper.serveLoop): a dedicated goroutine
// owns the socket, and shutdown is signalled over a channel rather than by
// closing the socket out from under a concurrent reader.
type Transmitter struct {
	hostUUID  uuid.UUID
	groupUUID uuid.UUID
	name      string

	conn         *net.UDPConn
	broadcasts   []net.IP
	filterGroup  bool
	offers       []Offered
	table        *ServiceTable
	log          *zap.Logger

	closing chan chan struct{}
}

// NewTransmitter opens a UDP broadcast/listen socket on Port for the given
// broadcast-capable addresses and returns a Transmitter identified by name
// within group.
func NewTransmitter(name, group string, broadcasts []net.IP, log *zap.Logger) (*Transmitter, error) {
	addr := &net.UDPAddr{Port: Port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}

	return &Transmitter{
		hostUUID:    UUIDFor(name),
		groupUUID:   UUIDFor(group),
		name:        name,
		conn:        conn,
		broadcasts:  broadcasts,
		filterGroup: true,
		table:       NewServiceTable(),
		log:         log,
		closing:     make(chan chan struct{}),
	}, nil
}

// Host returns the UUID this transmitter identifies its process as.
func (t *Transmitter) Host() uuid.UUID { return t.hostUUID }

// Group returns the UUID of the Constellation group this transmitter
// filters on.
func (t *Transmitter) Group() uuid.UUID { return t.groupUUID }

// Table returns the live service table maintained from received packets.
func (t *Transmitter) Table() *ServiceTable { return t.table }

// SetFilterGroup toggles whether packets from other groups are dropped
// (default: on).
func (t *Transmitter) SetFilterGroup(on bool) { t.filterGroup = on }

// Publish registers a locally-offered service so that future REQUEST
// packets are answered with a matching OFFER, and immediately broadcasts
// an OFFER for it.
func (t *Transmitter) Publish(service ServiceKind, port uint16) {
	t.offers = append(t.offers, Offered{Service: service, Port: port})
	t.Broadcast(service, MessageOffer, port)
}

// Depart broadcasts a DEPART for every service this transmitter published,
// intended to be called once at shutdown.
func (t *Transmitter) Depart() {
	for _, o := range t.offers {
		t.Broadcast(o.Service, MessageDepart, o.Port)
	}
}

// Broadcast sends one CHIRP packet of the given type to every known
// broadcast address.
func (t *Transmitter) Broadcast(service ServiceKind, msgType MessageType, port uint16) {
	msg := Message{
		Type:      msgType,
		GroupUUID: t.groupUUID,
		HostUUID:  t.hostUUID,
		Service:   service,
		Port:      port,
	}
	packed := msg.Pack()
	for _, bcast := range t.broadcasts {
		dst := &net.UDPAddr{IP: bcast, Port: Port}
		if _, err := t.conn.WriteToUDP(packed, dst); err != nil {
			t.log.Warn("chirp broadcast failed", zap.String("addr", dst.String()), zap.Error(err))
		}
	}
}

// Run starts the receive loop on the calling goroutine. It blocks until
// Close is called or the socket errors out, and should be launched with
// `go`. It is the beacon's sole socket-owning goroutine (spec.md §5).
func (t *Transmitter) Run() {
	buf := make([]byte, 1024)
	for {
		select {
		case done := <-t.closing:
			close(done)
			return
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// socket closed or otherwise broken: exit the loop
			return
		}

		msg, err := Unpack(buf[:n])
		if err != nil {
			t.log.Warn("dropping malformed CHIRP packet", zap.String("from", from.String()), zap.Error(err))
			continue
		}
		msg.FromAddress = from.IP.String()
		t.handle(msg)
	}
}

// Close stops the receive loop and releases the socket.
func (t *Transmitter) Close() error {
	done := make(chan struct{})
	t.closing <- done
	<-done
	return t.conn.Close()
}

func (t *Transmitter) handle(msg Message) {
	if msg.HostUUID == t.hostUUID {
		return // self-sent
	}
	if t.filterGroup && msg.GroupUUID != t.groupUUID {
		return
	}

	switch msg.Type {
	case MessageRequest:
		for _, o := range t.offers {
			t.Broadcast(o.Service, MessageOffer, o.Port)
		}
	case MessageOffer:
		t.table.Upsert(ServiceOffer{
			GroupUUID: msg.GroupUUID,
			HostUUID:  msg.HostUUID,
			Service:   msg.Service,
			Port:      msg.Port,
			Address:   msg.FromAddress,
			LastSeen:  time.Now(),
		})
	case MessageDepart:
		t.table.Remove(msg.HostUUID, msg.Service)
	default:
		t.log.Warn("dropping CHIRP packet with unknown message type", zap.Any("type", msg.Type))
	}
}

// RequestRefresh periodically broadcasts a REQUEST so peers re-announce
// their offers; this supplements the "REQUEST may be sent periodically to
// refresh" note of spec.md §4.2, and feeds the expiry sweep in ServiceTable.
func (t *Transmitter) RequestRefresh(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Broadcast(ServiceNone, MessageRequest, 0)
			t.table.ExpireOlderThan(time.Now().Add(-3 * interval))
		case <-stop:
			return
		}
	}
}

// GetBroadcastAddresses enumerates IPv4 broadcast addresses for interfaces
// matching iface ("*" selects every broadcast-capable interface).
func GetBroadcastAddresses(iface string) ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []net.IP
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagBroadcast == 0 || ifi.Flags&net.FlagUp == 0 {
			continue
		}
		if iface != "*" && ifi.Name != iface {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			bcast := make(net.IP, len(ipnet.IP.To4()))
			ip4 := ipnet.IP.To4()
			for i := range ip4 {
				bcast[i] = ip4[i] | ^ipnet.Mask[i]
			}
			out = append(out, bcast)
		}
	}
	if len(out) == 0 {
		out = append(out, net.IPv4bcast)
	}
	return out, nil
}
