package kad

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/md4"

	"github.com/goed2k/goed2k/proto"
)

// KadId is the 128-bit node identifier; closeness is XOR distance.
type KadId = proto.KadId

func Distance(a KadId, b KadId) KadId {
	res := KadId{}
	for i := 0; i < len(a); i++ {
		res[i] = a[i] ^ b[i]
	}

	return res
}

// CompareRef orders a and b by distance to target: negative when a is
// closer.
func CompareRef(target KadId, a KadId, b KadId) int {
	for i := 0; i < len(target); i++ {
		da := target[i] ^ a[i]
		db := target[i] ^ b[i]
		if da != db {
			if da < db {
				return -1
			}

			return 1
		}
	}

	return 0
}

// CommonPrefixBits is the shared leading bit count of the two ids,
// the bucket index of b as seen from a.
func CommonPrefixBits(a KadId, b KadId) int {
	for i := 0; i < len(a); i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			continue
		}

		bits := i * 8
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if x&mask != 0 {
				return bits
			}

			bits++
		}
	}

	return len(a) * 8
}

// IdFromIp derives the node id from the external address, resisting
// free id grinding.
func IdFromIp(ip uint32) KadId {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, ip)
	h := md4.New()
	h.Write(b)
	res := KadId{}
	h.Sum(res[:0])
	return res
}

func GenerateRandomId() KadId {
	res := KadId{}
	rand.Read(res[:])
	return res
}
