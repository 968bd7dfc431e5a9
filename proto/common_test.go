package proto

import (
	"bytes"
	"testing"
)

func Test_stateBufferScalars(t *testing.T) {
	buf := make([]byte, 32)
	sw := StateBuffer{Data: buf}
	sw.Write(uint8(0x0A)).Write(uint16(0x0B0C)).Write(uint32(0x01020304)).Write(uint64(0x1122334455667788))
	if sw.Error() != nil {
		t.Fatalf("write chain failed %v", sw.Error())
	}

	if sw.Offset() != 15 {
		t.Errorf("wrong write offset %d expected 15", sw.Offset())
	}

	sr := StateBuffer{Data: buf}
	if sr.ReadUint8() != 0x0A || sr.ReadUint16() != 0x0B0C || sr.ReadUint32() != 0x01020304 || sr.ReadUint64() != 0x1122334455667788 {
		t.Errorf("read back mismatch")
	}

	if sr.Error() != nil {
		t.Errorf("read chain failed %v", sr.Error())
	}
}

func Test_stateBufferUnderflow(t *testing.T) {
	sr := StateBuffer{Data: []byte{0x01, 0x02}}
	sr.ReadUint32()
	if sr.Error() == nil {
		t.Error("expected error on short buffer")
	}
}

func Test_byteContainer(t *testing.T) {
	bc := String2ByteContainer("APPLE")
	buf := make([]byte, bc.Size())
	sw := StateBuffer{Data: buf}
	bc.Put(&sw)
	if sw.Error() != nil {
		t.Fatalf("put failed %v", sw.Error())
	}

	expected := []byte{0x05, 0x00, 'A', 'P', 'P', 'L', 'E'}
	if !bytes.Equal(buf, expected) {
		t.Errorf("wrong bytes %x expected %x", buf, expected)
	}

	bc2 := ByteContainer{}
	sr := StateBuffer{Data: buf}
	bc2.Get(&sr)
	if sr.Error() != nil || bc2.ToString() != "APPLE" {
		t.Errorf("read back mismatch %s", bc2.ToString())
	}
}

func Test_endpoint(t *testing.T) {
	ep := Endpoint{Ip: 0x04030201, Port: 4662}
	if ep.AsString() != "1.2.3.4:4662" {
		t.Errorf("wrong endpoint string %s", ep.AsString())
	}

	back, err := EndpointFromString("1.2.3.4:4662")
	if err != nil || back != ep {
		t.Errorf("endpoint parse failed %v %v", back, err)
	}

	if !(Endpoint{}).IsEmpty() || !(Endpoint{Ip: 1}).IsEmpty() || (Endpoint{Ip: 1, Port: 1}).IsEmpty() {
		t.Error("wrong emptiness rules")
	}
}

func Test_lowId(t *testing.T) {
	if !IsLowId(0) || !IsLowId(0x00FFFFFF) {
		t.Error("low id range start/end not detected")
	}

	if IsLowId(0x01000000) {
		t.Error("high id reported low")
	}
}

func Test_usualPacket(t *testing.T) {
	up := UsualPacket{H: EMULE, Point: Endpoint{Ip: 1, Port: 2}}
	up.Properties = append(up.Properties, MustTag(uint64(0x100000000), FT_FILESIZE, ""))
	up.Properties = append(up.Properties, MustTag("name.txt", FT_FILENAME, ""))

	buf := make([]byte, up.Size())
	sw := StateBuffer{Data: buf}
	up.Put(&sw)
	if sw.Error() != nil {
		t.Fatalf("put failed %v", sw.Error())
	}

	if sw.Offset() != up.Size() {
		t.Errorf("size mismatch, wrote %d expected %d", sw.Offset(), up.Size())
	}

	up2 := UsualPacket{}
	sr := StateBuffer{Data: buf}
	up2.Get(&sr)
	if sr.Error() != nil {
		t.Fatalf("get failed %v", sr.Error())
	}

	if up2.H != EMULE || up2.Point != up.Point || len(up2.Properties) != 2 {
		t.Error("usual packet round trip mismatch")
	}

	if up2.Properties[0].AsInt() != 0x100000000 {
		t.Errorf("wrong size tag value %d", up2.Properties[0].AsInt())
	}

	if up2.Properties[1].AsString() != "name.txt" {
		t.Errorf("wrong name tag value %s", up2.Properties[1].AsString())
	}
}
