package proto

import (
	"encoding/binary"
	"fmt"
	"math"
)

const TAGTYPE_UNDEFINED byte = 0x00 // special tag definition for empty objects
const TAGTYPE_HASH16 byte = 0x01
const TAGTYPE_STRING byte = 0x02
const TAGTYPE_UINT32 byte = 0x03
const TAGTYPE_FLOAT32 byte = 0x04
const TAGTYPE_BOOL byte = 0x05
const TAGTYPE_BOOLARRAY byte = 0x06
const TAGTYPE_BLOB byte = 0x07
const TAGTYPE_UINT16 byte = 0x08
const TAGTYPE_UINT8 byte = 0x09
const TAGTYPE_BSOB byte = 0x0A
const TAGTYPE_UINT64 byte = 0x0B

// Compressed string types: length lives in the low nibble
const TAGTYPE_STR1 byte = 0x11
const TAGTYPE_STR2 byte = 0x12
const TAGTYPE_STR3 byte = 0x13
const TAGTYPE_STR4 byte = 0x14
const TAGTYPE_STR5 byte = 0x15
const TAGTYPE_STR6 byte = 0x16
const TAGTYPE_STR7 byte = 0x17
const TAGTYPE_STR8 byte = 0x18
const TAGTYPE_STR9 byte = 0x19
const TAGTYPE_STR10 byte = 0x1A
const TAGTYPE_STR11 byte = 0x1B
const TAGTYPE_STR12 byte = 0x1C
const TAGTYPE_STR13 byte = 0x1D
const TAGTYPE_STR14 byte = 0x1E
const TAGTYPE_STR15 byte = 0x1F
const TAGTYPE_STR16 byte = 0x20

const FT_UNDEFINED byte = 0x00        // undefined tag
const FT_FILENAME byte = 0x01         // <string>
const FT_FILESIZE byte = 0x02         // <uint32>
const FT_FILESIZE_HI byte = 0x3A      // <uint32>
const FT_FILETYPE byte = 0x03         // <string> or <uint32>
const FT_FILEFORMAT byte = 0x04       // <string>
const FT_LASTSEENCOMPLETE byte = 0x05 // <uint32>
const FT_TRANSFERRED byte = 0x08      // <uint32>
const FT_GAPSTART byte = 0x09         // <uint32>
const FT_GAPEND byte = 0x0A           // <uint32>
const FT_PARTFILENAME byte = 0x12     // <string>
const FT_OLDDLPRIORITY byte = 0x13    // Not used anymore
const FT_STATUS byte = 0x14           // <uint32>
const FT_SOURCES byte = 0x15          // <uint32>
const FT_PERMISSIONS byte = 0x16      // <uint32>
const FT_OLDULPRIORITY byte = 0x17    // Not used anymore
const FT_DLPRIORITY byte = 0x18       // Was 13
const FT_ULPRIORITY byte = 0x19       // Was 17
const FT_KADLASTPUBLISHKEY byte = 0x20
const FT_KADLASTPUBLISHSRC byte = 0x21
const FT_FLAGS byte = 0x22
const FT_DL_ACTIVE_TIME byte = 0x23
const FT_CORRUPTEDPARTS byte = 0x24 // <string>
const FT_DL_PREVIEW byte = 0x25
const FT_KADLASTPUBLISHNOTES byte = 0x26
const FT_AICH_HASH byte = 0x27
const FT_FILEHASH byte = 0x28
const FT_COMPLETE_SOURCES byte = 0x30 // nr. of sources which share a complete file
const FT_FAST_RESUME_DATA byte = 0x31 // fast resume data array

const FT_PUBLISHINFO byte = 0x33
const FT_ATTRANSFERRED byte = 0x50   // <uint32>
const FT_ATREQUESTED byte = 0x51     // <uint32>
const FT_ATACCEPTED byte = 0x52     // <uint32>
const FT_CATEGORY byte = 0x53        // <uint32>
const FT_ATTRANSFERREDHI byte = 0x54 // <uint32>
const FT_MEDIA_ARTIST byte = 0xD0    // <string>
const FT_MEDIA_ALBUM byte = 0xD1     // <string>
const FT_MEDIA_TITLE byte = 0xD2     // <string>
const FT_MEDIA_LENGTH byte = 0xD3    // <uint32> !!!
const FT_MEDIA_BITRATE byte = 0xD4   // <uint32>
const FT_MEDIA_CODEC byte = 0xD5     // <string>
const FT_FILERATING byte = 0xF7      // <uint8>

const CT_NAME byte = 0x01
const CT_SERVER_UDPSEARCH_FLAGS byte = 0x0E
const CT_PORT byte = 0x0F
const CT_VERSION byte = 0x11
const CT_SERVER_FLAGS byte = 0x20
const CT_EMULECOMPAT_OPTIONS byte = 0xEF
const CT_EMULE_UDPPORTS byte = 0xF9
const CT_EMULE_MISCOPTIONS1 byte = 0xFA
const CT_EMULE_VERSION byte = 0xFB
const CT_EMULE_BUDDYIP byte = 0xFC
const CT_EMULE_BUDDYUDP byte = 0xFD
const CT_EMULE_MISCOPTIONS2 byte = 0xFE
const CT_MOD_VERSION byte = 0x55

const ET_COMPRESSION byte = 0x20
const ET_UDPPORT byte = 0x21
const ET_UDPVER byte = 0x22
const ET_SOURCEEXCHANGE byte = 0x23
const ET_COMMENTS byte = 0x24
const ET_EXTENDEDREQUEST byte = 0x25
const ET_COMPATIBLECLIENT byte = 0x26
const ET_FEATURES byte = 0x27
const ET_MOD_VERSION byte = CT_MOD_VERSION

const ST_SERVERNAME byte = 0x01  // <string>
const ST_DESCRIPTION byte = 0x0B // <string>
const ST_PING byte = 0x0C        // <uint32>
const ST_FAIL byte = 0x0D        // <uint32>
const ST_PREFERENCE byte = 0x0E  // <uint32>
const ST_DYNIP byte = 0x85
const ST_MAXUSERS byte = 0x87
const ST_SOFTFILES byte = 0x88
const ST_HARDFILES byte = 0x89
const ST_LASTPING byte = 0x90     // <uint32>
const ST_VERSION byte = 0x91      // <string>
const ST_UDPFLAGS byte = 0x92     // <uint32>
const ST_AUXPORTSLIST byte = 0x93 // <string>
const ST_LOWIDUSERS byte = 0x94   // <uint32>

// kad search result tags
const TAG_FILENAME byte = 0x01    // <string>
const TAG_FILESIZE byte = 0x02    // <uint32>
const TAG_FILESIZE_HI byte = 0x3A // <uint32>
const TAG_FILETYPE byte = 0x03    // <string>
const TAG_FILEFORMAT byte = 0x04  // <string>
const TAG_SOURCES byte = 0x15     // <uint32>
const TAG_PUBLISHINFO byte = 0x33 // <uint32>
const TAG_MEDIA_ARTIST byte = 0xD0
const TAG_MEDIA_ALBUM byte = 0xD1
const TAG_MEDIA_TITLE byte = 0xD2
const TAG_MEDIA_LENGTH byte = 0xD3
const TAG_MEDIA_BITRATE byte = 0xD4
const TAG_MEDIA_CODEC byte = 0xD5
const TAG_KADMISCOPTIONS byte = 0xF2 // <uint8>
const TAG_ENCRYPTION byte = 0xF3     // <uint8>
const TAG_BUDDYHASH byte = 0xF8      // <string>
const TAG_CLIENTLOWID byte = 0xF9    // <uint32>
const TAG_SERVERPORT byte = 0xFA     // <uint16>
const TAG_SERVERIP byte = 0xFB       // <uint32>
const TAG_SOURCEUPORT byte = 0xFC    // <uint16>
const TAG_SOURCEPORT byte = 0xFD     // <uint16>
const TAG_SOURCEIP byte = 0xFE       // <uint32>
const TAG_SOURCETYPE byte = 0xFF     // <uint8>

// Tag is the typed named metadata atom. The name is either a one-byte
// well-known id (high bit set on the wire type byte) or a free-form
// string. The value is kept in wire form.
type Tag struct {
	Type  byte
	Id    byte
	Name  string
	value []byte
	bits  uint16 // bool-array bit count, carried for opaque re-emit
}

func (t *Tag) Get(sb *StateBuffer) *StateBuffer {
	sb.Read(&t.Type)
	if sb.err != nil {
		return sb
	}

	if (t.Type & 0x80) != 0 {
		t.Type &= 0x7f
		sb.Read(&t.Id)
	} else {
		var l uint16
		sb.Read(&l)
		if sb.err != nil {
			return sb
		}

		if uint32(l) > MAX_ED2K_STRING_LEN {
			return sb.Abort(ErrBlobTooLong)
		}

		bc := make([]byte, l)
		sb.Read(bc)
		if l == 1 {
			t.Id = bc[0]
		} else {
			t.Name = string(bc)
		}
	}

	var bc uint32 = 0
	switch {
	case t.Type == TAGTYPE_UINT8:
		bc = 1
	case t.Type == TAGTYPE_UINT16:
		bc = 2
	case t.Type == TAGTYPE_UINT32:
		bc = 4
	case t.Type == TAGTYPE_UINT64:
		bc = 8
	case t.Type == TAGTYPE_FLOAT32:
		bc = 4
	case t.Type == TAGTYPE_BOOL:
		bc = 1
	case t.Type >= TAGTYPE_STR1 && t.Type <= TAGTYPE_STR16:
		bc = uint32(t.Type - TAGTYPE_STR1 + 1)
	case t.Type == TAGTYPE_STRING:
		bc = uint32(sb.ReadUint16())
	case t.Type == TAGTYPE_BLOB:
		bc = sb.ReadUint32()
		if sb.err == nil && bc > MAX_ED2K_STRING_LEN {
			return sb.Abort(ErrBlobTooLong)
		}
	case t.Type == TAGTYPE_BSOB:
		bc = uint32(sb.ReadUint8())
	case t.Type == TAGTYPE_BOOLARRAY:
		// bit count on the wire, bytes in the buffer
		t.bits = sb.ReadUint16()
		bc = uint32(BitsToBytes(int(t.bits)))
	case t.Type == TAGTYPE_HASH16:
		bc = uint32(HASH_SIZE)
	default:
		return sb.Abort(ErrUnknownTagType)
	}

	if sb.err == nil {
		if bc > MAX_ED2K_STRING_LEN {
			return sb.Abort(ErrBlobTooLong)
		}

		t.value = make([]byte, bc)
		sb.Read(t.value)
	}

	return sb
}

func (t Tag) Put(sb *StateBuffer) *StateBuffer {
	if sb.err != nil {
		return sb
	}

	if t.Name == "" {
		sb.Write(t.Type | 0x80).Write(t.Id)
	} else {
		bc := []byte(t.Name)
		sb.Write(t.Type).Write(uint16(len(bc))).Write(bc)
	}

	switch {
	case t.Type == TAGTYPE_UINT8 || t.Type == TAGTYPE_UINT16 ||
		t.Type == TAGTYPE_UINT32 || t.Type == TAGTYPE_UINT64 ||
		t.Type == TAGTYPE_FLOAT32 || t.Type == TAGTYPE_BOOL ||
		t.Type == TAGTYPE_HASH16 ||
		(t.Type >= TAGTYPE_STR1 && t.Type <= TAGTYPE_STR16):
		sb.Write(t.value)
	case t.Type == TAGTYPE_STRING:
		sb.Write(uint16(len(t.value))).Write(t.value)
	case t.Type == TAGTYPE_BOOLARRAY:
		sb.Write(t.bits).Write(t.value)
	case t.Type == TAGTYPE_BSOB:
		sb.Write(byte(len(t.value))).Write(t.value)
	case t.Type == TAGTYPE_BLOB:
		sb.Write(uint32(len(t.value))).Write(t.value)
	default:
		return sb.Abort(ErrUnknownTagType)
	}

	return sb
}

func (t Tag) Size() int {
	res := 0
	if t.Name == "" {
		res += DataSize(t.Type) + DataSize(t.Id)
	} else {
		res += DataSize(t.Type) + DataSize(uint16(0)) + len(t.Name)
	}

	switch {
	case t.Type == TAGTYPE_STRING:
		res += DataSize(uint16(0)) + len(t.value)
	case t.Type == TAGTYPE_BOOLARRAY:
		res += DataSize(uint16(0)) + len(t.value)
	case t.Type == TAGTYPE_BSOB:
		res += DataSize(byte(0)) + len(t.value)
	case t.Type == TAGTYPE_BLOB:
		res += DataSize(uint32(0)) + len(t.value)
	default:
		res += len(t.value)
	}

	return res
}

func (t Tag) GetName() string {
	return t.Name
}

func (t Tag) IsByte() bool {
	return t.Type == TAGTYPE_UINT8
}

func (t Tag) AsByte() byte {
	return t.value[0]
}

func (t Tag) IsUint16() bool {
	return t.Type == TAGTYPE_UINT16
}

func (t Tag) AsUint16() uint16 {
	return binary.LittleEndian.Uint16(t.value)
}

func (t Tag) IsUint32() bool {
	return t.Type == TAGTYPE_UINT32
}

func (t Tag) AsUint32() uint32 {
	return binary.LittleEndian.Uint32(t.value)
}

func (t Tag) IsUint64() bool {
	return t.Type == TAGTYPE_UINT64
}

func (t Tag) AsUint64() uint64 {
	return binary.LittleEndian.Uint64(t.value)
}

func (t Tag) IsString() bool {
	return (t.Type >= TAGTYPE_STR1 && t.Type <= TAGTYPE_STR16) || t.Type == TAGTYPE_STRING
}

func (t Tag) AsString() string {
	return string(t.value)
}

func (t Tag) IsBool() bool {
	return t.Type == TAGTYPE_BOOL
}

func (t Tag) AsBool() bool {
	return t.value[0] != 0x00
}

func (t Tag) IsBlob() bool {
	return t.Type == TAGTYPE_BLOB
}

func (t Tag) AsBlob() []byte {
	return t.value
}

func (t Tag) IsHash() bool {
	return t.Type == TAGTYPE_HASH16
}

func (t Tag) AsHash() ED2KHash {
	h := ED2KHash{}
	copy(h[:], t.value)
	return h
}

func (t Tag) IsFloat() bool {
	return t.Type == TAGTYPE_FLOAT32
}

func (t Tag) AsFloat() float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(t.value))
}

// AsInt widens any of the unsigned integer variants.
func (t Tag) AsInt() uint64 {
	switch t.Type {
	case TAGTYPE_UINT8:
		return uint64(t.AsByte())
	case TAGTYPE_UINT16:
		return uint64(t.AsUint16())
	case TAGTYPE_UINT32:
		return uint64(t.AsUint32())
	case TAGTYPE_UINT64:
		return t.AsUint64()
	}

	return 0
}

// CreateTag builds a tag with the smallest sufficient wire type:
// integers shrink to the narrowest width that holds the value, strings
// of up to 16 characters use the length-in-type variants.
func CreateTag(data interface{}, id byte, name string) (Tag, error) {
	switch data := data.(type) {
	case byte:
		return Tag{Type: TAGTYPE_UINT8, Id: id, Name: name, value: []byte{data}}, nil
	case uint16:
		if data <= 0xFF {
			return CreateTag(byte(data), id, name)
		}
		v := make([]byte, 2)
		binary.LittleEndian.PutUint16(v, data)
		return Tag{Type: TAGTYPE_UINT16, Id: id, Name: name, value: v}, nil
	case uint32:
		if data <= 0xFFFF {
			return CreateTag(uint16(data), id, name)
		}
		v := make([]byte, 4)
		binary.LittleEndian.PutUint32(v, data)
		return Tag{Type: TAGTYPE_UINT32, Id: id, Name: name, value: v}, nil
	case uint64:
		if data <= 0xFFFFFFFF {
			return CreateTag(uint32(data), id, name)
		}
		v := make([]byte, 8)
		binary.LittleEndian.PutUint64(v, data)
		return Tag{Type: TAGTYPE_UINT64, Id: id, Name: name, value: v}, nil
	case int:
		if data < 0 {
			return Tag{}, fmt.Errorf("tag does not accept negative value %d", data)
		}
		return CreateTag(uint64(data), id, name)
	case float32:
		v := make([]byte, 4)
		binary.LittleEndian.PutUint32(v, math.Float32bits(data))
		return Tag{Type: TAGTYPE_FLOAT32, Id: id, Name: name, value: v}, nil
	case string:
		v := []byte(data)
		if len(v) == 0 || len(v) > int(MAX_ED2K_STRING_LEN) {
			return Tag{}, fmt.Errorf("tag string size %d out of range", len(v))
		}
		if len(v) <= 16 {
			return Tag{Type: TAGTYPE_STR1 + byte(len(v)) - 1, Id: id, Name: name, value: v}, nil
		}
		return Tag{Type: TAGTYPE_STRING, Id: id, Name: name, value: v}, nil
	case bool:
		var b byte
		if data {
			b = 0x01
		}
		return Tag{Type: TAGTYPE_BOOL, Id: id, Name: name, value: []byte{b}}, nil
	case []byte:
		if uint32(len(data)) > MAX_ED2K_STRING_LEN {
			return Tag{}, ErrBlobTooLong
		}
		return Tag{Type: TAGTYPE_BLOB, Id: id, Name: name, value: data}, nil
	case ED2KHash:
		return Tag{Type: TAGTYPE_HASH16, Id: id, Name: name, value: data[:]}, nil
	}

	return Tag{}, ErrUnknownTagType
}

// MustTag is for construction sites where the value is statically valid.
func MustTag(data interface{}, id byte, name string) Tag {
	t, err := CreateTag(data, id, name)
	if err != nil {
		panic(err)
	}
	return t
}

// TagCollection is a uint16 count followed by that many tags.
type TagCollection []Tag

func (tc *TagCollection) Get(sb *StateBuffer) *StateBuffer {
	sz := sb.ReadUint16()
	if sb.err != nil {
		return sb
	}

	if uint32(sz) > MAX_ELEMS {
		return sb.Abort(ErrContainerTooLong)
	}

	for i := 0; i < int(sz); i++ {
		t := Tag{}
		t.Get(sb)
		if sb.err != nil {
			break
		}
		*tc = append(*tc, t)
	}

	return sb
}

func (tc TagCollection) Put(sb *StateBuffer) *StateBuffer {
	sb.Write(uint16(len(tc)))
	for _, t := range tc {
		t.Put(sb)
		if sb.err != nil {
			break
		}
	}

	return sb
}

func (tc TagCollection) Size() int {
	res := DataSize(uint16(0))
	for _, t := range tc {
		res += t.Size()
	}

	return res
}

func (tc TagCollection) FindById(id byte) *Tag {
	for i, t := range tc {
		if t.Name == "" && t.Id == id {
			return &tc[i]
		}
	}

	return nil
}

func (tc TagCollection) FindByName(name string) *Tag {
	for i, t := range tc {
		if t.Name == name {
			return &tc[i]
		}
	}

	return nil
}
