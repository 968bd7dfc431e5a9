package goed2k

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goed2k/goed2k/proto"
)

func TestAddTransferRules(t *testing.T) {
	s := newTestSession(t)

	atp := proto.CreateAddTransferParameters(proto.EMULE, 1000, "a.bin")
	_, err := s.AddTransfer(atp)
	require.NoError(t, err)

	// one transfer per hash
	_, err = s.AddTransfer(atp)
	require.ErrorIs(t, err, ErrDuplicateTransfer)

	// empty files are rejected
	zero := proto.CreateAddTransferParameters(proto.LIBED2K, 0, "empty.bin")
	_, err = s.AddTransfer(zero)
	require.ErrorIs(t, err, ErrFileSizeZero)
}

func TestAddTransferFromLink(t *testing.T) {
	s := newTestSession(t)

	tr, err := s.AddTransferFromLink("ed2k://|file|xxx.avi|100|DB48A1C00CC972488C29D3FEC9F16A79|/")
	require.NoError(t, err)
	require.Equal(t, uint64(100), tr.Size())
	require.Equal(t, "xxx.avi", tr.Filename())

	require.NotNil(t, s.FindTransfer(tr.Hash()))

	_, err = s.AddTransferFromLink("not a link")
	require.Error(t, err)
}

func TestRemoveTransfer(t *testing.T) {
	s := newTestSession(t)

	atp := proto.CreateAddTransferParameters(proto.EMULE, 1000, "a.bin")
	tr, err := s.AddTransfer(atp)
	require.NoError(t, err)

	require.NoError(t, s.RemoveTransfer(tr.Hash()))
	require.Nil(t, s.FindTransfer(tr.Hash()))
	require.ErrorIs(t, s.RemoveTransfer(tr.Hash()), ErrInvalidHandle)
}

// only one transfer occupies the checking slot at a time
func TestCheckingQueueSerialized(t *testing.T) {
	s := newTestSession(t)

	first, err := s.AddTransfer(proto.CreateAddTransferParameters(proto.EMULE, 1000, "one.bin"))
	require.NoError(t, err)
	second, err := s.AddTransfer(proto.CreateAddTransferParameters(proto.LIBED2K, 1000, "two.bin"))
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		s1, s2 := first.State(), second.State()
		checking := 0
		if s1 == TRANSFER_STATE_CHECKING_FILES {
			checking++
		}
		if s2 == TRANSFER_STATE_CHECKING_FILES {
			checking++
		}
		require.LessOrEqual(t, checking, 1)

		if s1 == TRANSFER_STATE_DOWNLOADING && s2 == TRANSFER_STATE_DOWNLOADING {
			break
		}

		require.True(t, time.Now().Before(deadline), "transfers stuck in %v/%v", s1, s2)
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOnSourcesFoundSeedsPolicy(t *testing.T) {
	s := newTestSession(t)

	tr, err := s.AddTransfer(proto.CreateAddTransferParameters(proto.EMULE, 1000, "a.bin"))
	require.NoError(t, err)

	sources := []proto.Endpoint{
		{Ip: 0x04030201, Port: 4662}, // routable
		{Ip: 0x00000123, Port: 4662}, // LowID, needs a callback
		{},                           // empty, dropped
	}

	s.OnSourcesFound(tr.Hash(), sources, PEER_SRC_SERVER)

	tr.mutex.Lock()
	defer tr.mutex.Unlock()
	require.Equal(t, 1, tr.policy.NumPeers())
	require.NotNil(t, tr.policy.FindPeer(proto.Endpoint{Ip: 0x04030201, Port: 4662}))
}

func TestEndpointFromAddr(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 4662}
	ep := endpointFromAddr(addr)
	require.Equal(t, proto.Endpoint{Ip: 0x04030201, Port: 4662}, ep)
	require.Equal(t, "1.2.3.4:4662", ep.AsString())
}

func TestIdentityPackets(t *testing.T) {
	s := newTestSession(t)

	login := s.CreateLoginRequest()
	require.Equal(t, s.settings.UserAgent, login.H)
	require.NotNil(t, login.Properties.FindById(proto.CT_NAME))
	require.NotNil(t, login.Properties.FindById(proto.CT_VERSION))

	hello := s.CreateHello()
	require.Equal(t, byte(proto.HASH_SIZE), hello.HashSize)
	require.NotNil(t, hello.Answer.Properties.FindById(proto.CT_EMULE_MISCOPTIONS1))

	eh := s.CreateExtHello()
	require.NotNil(t, eh.Properties.FindById(proto.ET_COMPRESSION))
}

func TestServerConnectionPackets(t *testing.T) {
	s := newTestSession(t)
	sc := NewServerConnection(s)

	// IDCHANGE promotes the link to active and surfaces the client id
	idc := proto.IdChange{ClientId: 0x02000000, TcpFlags: 1, AuxPort: 0}
	buf := make([]byte, idc.Size())
	sw := proto.StateBuffer{Data: buf}
	idc.Put(&sw)
	require.NoError(t, sw.Error())

	ph := proto.PacketHeader{Protocol: proto.OP_EDONKEYPROT, Bytes: uint32(len(buf) + 1), Packet: proto.OP_IDCHANGE}
	require.NoError(t, sc.onPacket(ph, buf))
	require.True(t, sc.IsActive())
	require.False(t, sc.IsLowId())
	require.Equal(t, uint32(0x02000000), sc.ClientId())

	// FOUNDSOURCES lands in the alert queue
	fs := proto.FoundFileSources{H: proto.EMULE, Sources: []proto.Endpoint{{Ip: 0x04030201, Port: 4662}}}
	buf2 := make([]byte, fs.Size())
	sw2 := proto.StateBuffer{Data: buf2}
	fs.Put(&sw2)
	require.NoError(t, sw2.Error())

	ph2 := proto.PacketHeader{Protocol: proto.OP_EDONKEYPROT, Bytes: uint32(len(buf2) + 1), Packet: proto.OP_FOUNDSOURCES}
	require.NoError(t, sc.onPacket(ph2, buf2))

	found := false
	for _, a := range s.alerts.PopAll() {
		if _, ok := a.(FoundSourcesAlert); ok {
			found = true
		}
	}

	require.True(t, found, "found sources alert missing")
}
