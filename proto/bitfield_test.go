package proto

import (
	"bytes"
	"testing"
)

func Test_bitfield(t *testing.T) {
	bf := CreateBitField(11)
	if bf.Bits() != 11 || bf.Count() != 0 {
		t.Errorf("fresh bitfield wrong %d/%d", bf.Bits(), bf.Count())
	}

	bf.SetBit(0)
	bf.SetBit(10)
	if !bf.GetBit(0) || !bf.GetBit(10) || bf.GetBit(5) {
		t.Error("set/get bit mismatch")
	}

	if bf.Count() != 2 {
		t.Errorf("count wrong %d expected 2", bf.Count())
	}

	bf.ClearBit(0)
	if bf.GetBit(0) || bf.Count() != 1 {
		t.Error("clear bit failed")
	}
}

func Test_bitfieldSerialize(t *testing.T) {
	bf := CreateBitField(11)
	bf.SetBit(0)
	bf.SetBit(8)

	buf := make([]byte, bf.Size())
	sw := StateBuffer{Data: buf}
	bf.Put(&sw)
	if sw.Error() != nil {
		t.Fatalf("put failed %v", sw.Error())
	}

	expected := []byte{0x0B, 0x00, 0x80, 0x80}
	if !bytes.Equal(buf, expected) {
		t.Errorf("wrong bytes %x expected %x", buf, expected)
	}

	bf2 := BitField{}
	sr := StateBuffer{Data: buf}
	bf2.Get(&sr)
	if sr.Error() != nil || bf2.Bits() != 11 || !bf2.GetBit(0) || !bf2.GetBit(8) || bf2.Count() != 2 {
		t.Error("bitfield round trip mismatch")
	}
}

func Test_bitfieldSetAll(t *testing.T) {
	bf := CreateBitField(10)
	bf.SetAll()
	if bf.Count() != 10 {
		t.Errorf("set all count wrong %d", bf.Count())
	}

	// trailing bits beyond the size stay clear
	raw := make([]byte, bf.Size())
	sw := StateBuffer{Data: raw}
	bf.Put(&sw)
	if raw[3]&0x3F != 0 {
		t.Errorf("trailing bits not cleared %x", raw[3])
	}

	bf.ClearAll()
	if bf.Count() != 0 {
		t.Error("clear all failed")
	}
}

func Test_bitfieldResize(t *testing.T) {
	bf := CreateBitField(8)
	bf.SetAll()
	bf.Resize(16)
	if bf.Bits() != 16 || bf.Count() != 8 {
		t.Errorf("resize lost bits %d/%d", bf.Bits(), bf.Count())
	}
}
