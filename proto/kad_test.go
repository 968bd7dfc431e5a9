package proto

import (
	"testing"
)

func Test_kademlia2Req(t *testing.T) {
	req := Kademlia2Req{FindType: KADEMLIA_FIND_NODE, Target: EMULE, Receiver: LIBED2K}
	buf := make([]byte, req.Size())
	sw := StateBuffer{Data: buf}
	req.Put(&sw)
	if sw.Error() != nil {
		t.Fatalf("put failed %v", sw.Error())
	}

	if len(buf) != 1+16+16 {
		t.Errorf("wrong size %d expected 33", len(buf))
	}

	req2 := Kademlia2Req{}
	sr := StateBuffer{Data: buf}
	req2.Get(&sr)
	if sr.Error() != nil || req2 != req {
		t.Errorf("kademlia2 req round trip mismatch %+v", req2)
	}
}

func Test_kademlia2Res(t *testing.T) {
	res := Kademlia2Res{Target: EMULE, Contacts: []KadEntry{
		{KID: LIBED2K, Address: KadEndpoint{Ip: 0x01020304, UdpPort: 4672, TcpPort: 4662}, Version: KADEMLIA_VERSION},
		{KID: Terminal, Address: KadEndpoint{Ip: 0x05060708, UdpPort: 1234, TcpPort: 1235}, Version: KADEMLIA_VERSION},
	}}

	buf := make([]byte, res.Size())
	sw := StateBuffer{Data: buf}
	res.Put(&sw)
	if sw.Error() != nil {
		t.Fatalf("put failed %v", sw.Error())
	}

	res2 := Kademlia2Res{}
	sr := StateBuffer{Data: buf}
	res2.Get(&sr)
	if sr.Error() != nil || res2.Target != EMULE || len(res2.Contacts) != 2 {
		t.Fatalf("res round trip mismatch %v", sr.Error())
	}

	if res2.Contacts[1].Address.UdpPort != 1234 || res2.Contacts[0].KID != LIBED2K {
		t.Errorf("contact mismatch %+v", res2.Contacts)
	}
}

func Test_kad2BootstrapRes(t *testing.T) {
	res := Kad2BootstrapRes{KID: EMULE, TcpPort: 4662, Version: KADEMLIA_VERSION,
		Contacts: []KadEntry{{KID: LIBED2K, Address: KadEndpoint{Ip: 1, UdpPort: 2, TcpPort: 3}, Version: 8}}}

	buf := make([]byte, res.Size())
	sw := StateBuffer{Data: buf}
	res.Put(&sw)
	if sw.Error() != nil {
		t.Fatalf("put failed %v", sw.Error())
	}

	res2 := Kad2BootstrapRes{}
	sr := StateBuffer{Data: buf}
	res2.Get(&sr)
	if sr.Error() != nil || res2.KID != EMULE || len(res2.Contacts) != 1 || res2.Contacts[0].Address.TcpPort != 3 {
		t.Errorf("bootstrap res round trip mismatch %+v %v", res2, sr.Error())
	}
}

func Test_kad2SearchRes(t *testing.T) {
	entry := KadSearchEntry{KID: Terminal}
	entry.Tags = append(entry.Tags, MustTag(uint32(0x04030201), TAG_SOURCEIP, ""))
	entry.Tags = append(entry.Tags, MustTag(uint16(4662), TAG_SOURCEPORT, ""))

	res := Kad2SearchRes{Source: EMULE, Target: LIBED2K, Results: []KadSearchEntry{entry}}
	buf := make([]byte, res.Size())
	sw := StateBuffer{Data: buf}
	res.Put(&sw)
	if sw.Error() != nil {
		t.Fatalf("put failed %v", sw.Error())
	}

	res2 := Kad2SearchRes{}
	sr := StateBuffer{Data: buf}
	res2.Get(&sr)
	if sr.Error() != nil || len(res2.Results) != 1 {
		t.Fatalf("search res round trip mismatch %v", sr.Error())
	}

	ip := res2.Results[0].Tags.FindById(TAG_SOURCEIP)
	port := res2.Results[0].Tags.FindById(TAG_SOURCEPORT)
	if ip == nil || port == nil || ip.AsInt() != 0x04030201 || port.AsInt() != 4662 {
		t.Errorf("source tags mismatch")
	}
}

func Test_kad2Pong(t *testing.T) {
	pong := Kad2Pong{UdpPort: 4672}
	buf := make([]byte, pong.Size())
	sw := StateBuffer{Data: buf}
	pong.Put(&sw)

	pong2 := Kad2Pong{}
	sr := StateBuffer{Data: buf}
	pong2.Get(&sr)
	if sr.Error() != nil || pong2 != pong {
		t.Errorf("pong round trip mismatch %+v", pong2)
	}
}
