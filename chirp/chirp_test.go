package chirp

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDForIsPureFunction(t *testing.T) {
	a := UUIDFor("sat_a")
	b := UUIDFor("sat_a")
	assert.Equal(t, a, b)

	c := UUIDFor("sat_b")
	assert.NotEqual(t, a, c)
}

// TestBitExactEncoding mirrors scenario S6: encoding an OFFER for
// group_uuid=0x00..00, host_uuid=0x00..01, CONTROL, port=23999 must produce
// exactly 42 bytes with magic "CHIRP\x01", type 0x02, and the documented
// byte layout.
func TestBitExactEncoding(t *testing.T) {
	var hostUUID uuid.UUID
	hostUUID[15] = 0x01

	msg := Message{
		Type:      MessageOffer,
		GroupUUID: uuid.UUID{},
		HostUUID:  hostUUID,
		Service:   ServiceControl,
		Port:      23999,
	}

	raw := msg.Pack()
	require.Len(t, raw, 42)
	require.Equal(t, []byte("CHIRP\x01"), raw[0:6])
	require.Equal(t, byte(0x02), raw[6])
	require.Equal(t, make([]byte, 16), raw[7:23])

	wantHost := make([]byte, 16)
	wantHost[15] = 0x01
	require.Equal(t, wantHost, raw[23:39])

	require.Equal(t, byte(0x01), raw[39])
	require.Equal(t, []byte{0x5D, 0xBF}, raw[40:42])
}

func TestPackUnpackInverse(t *testing.T) {
	msg := Message{
		Type:      MessageRequest,
		GroupUUID: UUIDFor("g1"),
		HostUUID:  UUIDFor("sat_a"),
		Service:   ServiceData,
		Port:      9000,
	}
	raw := msg.Pack()
	decoded, err := Unpack(raw)
	require.NoError(t, err)
	require.Equal(t, msg.Type, decoded.Type)
	require.Equal(t, msg.GroupUUID, decoded.GroupUUID)
	require.Equal(t, msg.HostUUID, decoded.HostUUID)
	require.Equal(t, msg.Service, decoded.Service)
	require.Equal(t, msg.Port, decoded.Port)
}

func TestUnpackRejectsWrongLength(t *testing.T) {
	_, err := Unpack(make([]byte, 10))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestUnpackRejectsBadMagic(t *testing.T) {
	raw := Message{Type: MessageOffer}.Pack()
	raw[0] = 'X'
	_, err := Unpack(raw)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestServiceTableIdempotentUpsert(t *testing.T) {
	table := NewServiceTable()
	host := UUIDFor("b")
	offer := ServiceOffer{HostUUID: host, Service: ServiceControl, Port: 1234, LastSeen: time.Now()}

	table.Upsert(offer)
	table.Upsert(offer)
	table.Upsert(offer)

	assert.Equal(t, 1, table.Len())
}

func TestServiceTableReplaceOnMatchingKey(t *testing.T) {
	table := NewServiceTable()
	host := UUIDFor("b")

	table.Upsert(ServiceOffer{HostUUID: host, Service: ServiceControl, Port: 1111})
	table.Upsert(ServiceOffer{HostUUID: host, Service: ServiceControl, Port: 2222})

	entries := table.Entries(ServiceControl)
	require.Len(t, entries, 1)
	assert.Equal(t, uint16(2222), entries[0].Port)
}

func TestServiceTableDepartRemovesEntry(t *testing.T) {
	table := NewServiceTable()
	host := UUIDFor("b")
	table.Upsert(ServiceOffer{HostUUID: host, Service: ServiceHeartbeat, Port: 10})

	var removedAlive *bool
	table.OnService(ServiceHeartbeat, func(offer ServiceOffer, alive bool) {
		removedAlive = &alive
	})

	table.Remove(host, ServiceHeartbeat)
	require.Equal(t, 0, table.Len())
	require.NotNil(t, removedAlive)
	assert.False(t, *removedAlive)
}

func TestServiceTableExpiry(t *testing.T) {
	table := NewServiceTable()
	host := UUIDFor("stale")
	table.Upsert(ServiceOffer{HostUUID: host, Service: ServiceData, LastSeen: time.Now().Add(-time.Hour)})

	table.ExpireOlderThan(time.Now().Add(-time.Minute))
	assert.Equal(t, 0, table.Len())
}
