package proto

import (
	"bytes"
	"testing"

	"golang.org/x/crypto/md4"

	"github.com/goed2k/goed2k/data"
)

func Test_terminalIsEmptyDigest(t *testing.T) {
	h := md4.New()
	res := ED2KHash{}
	h.Sum(res[:0])
	if res != Terminal {
		t.Errorf("md4 of empty input %x is not the terminal hash %x", res, Terminal)
	}
}

// a file below one piece hashes to its single piece hash
func Test_singlePieceFile(t *testing.T) {
	content := bytes.Repeat([]byte{0x7A}, 100)
	hs, err := HashFile(bytes.NewReader(content), 100)
	if err != nil {
		t.Fatalf("hash failed %v", err)
	}

	if len(hs.PieceHashes) != 1 {
		t.Fatalf("piece list length %d expected 1", len(hs.PieceHashes))
	}

	if hs.Hash != Hash128(content) {
		t.Errorf("file hash %x expected %x", hs.Hash, Hash128(content))
	}

	if hs.Hash != hs.PieceHashes[0] {
		t.Error("single piece file hash must equal the piece hash")
	}
}

// an exact multiple of the piece size appends the terminal zero piece
func Test_exactMultipleFile(t *testing.T) {
	content := bytes.Repeat([]byte{0x31}, data.PIECE_SIZE)
	hs, err := HashFile(bytes.NewReader(content), uint64(data.PIECE_SIZE))
	if err != nil {
		t.Fatalf("hash failed %v", err)
	}

	if len(hs.PieceHashes) != 2 {
		t.Fatalf("piece list length %d expected 2", len(hs.PieceHashes))
	}

	if hs.PieceHashes[1] != Terminal {
		t.Errorf("terminal piece %x expected %x", hs.PieceHashes[1], Terminal)
	}

	// file hash is md4(piece0 || md4(""))
	h := md4.New()
	h.Write(hs.PieceHashes[0][:])
	h.Write(Terminal[:])
	expected := ED2KHash{}
	h.Sum(expected[:0])
	if hs.Hash != expected {
		t.Errorf("file hash %x expected %x", hs.Hash, expected)
	}
}

func Test_pieceListLength(t *testing.T) {
	cases := []struct {
		size   uint64
		pieces int
	}{
		{1, 1},
		{100, 1},
		{data.PIECE_SIZE_UINT64 - 1, 1},
		{data.PIECE_SIZE_UINT64, 2},
		{data.PIECE_SIZE_UINT64 + 1, 2},
		{2 * data.PIECE_SIZE_UINT64, 3},
		{2*data.PIECE_SIZE_UINT64 + 5, 3},
	}

	for _, c := range cases {
		if got := data.NumPieces(c.size); got != c.pieces {
			t.Errorf("size %d pieces %d expected %d", c.size, got, c.pieces)
		}
	}
}

func Test_hashSetReduce(t *testing.T) {
	one := HashSet{PieceHashes: []ED2KHash{EMULE}}
	if one.Reduce() != EMULE {
		t.Error("single element reduce must be the element")
	}

	two := HashSet{PieceHashes: []ED2KHash{EMULE, LIBED2K}}
	h := md4.New()
	h.Write(EMULE[:])
	h.Write(LIBED2K[:])
	expected := ED2KHash{}
	h.Sum(expected[:0])
	if two.Reduce() != expected {
		t.Error("multi element reduce mismatch")
	}
}

func Test_hashSetSerialize(t *testing.T) {
	hs := HashSet{Hash: EMULE, PieceHashes: []ED2KHash{LIBED2K, Terminal}}
	buf := make([]byte, hs.Size())
	sw := StateBuffer{Data: buf}
	hs.Put(&sw)
	if sw.Error() != nil {
		t.Fatalf("put failed %v", sw.Error())
	}

	hs2 := HashSet{}
	sr := StateBuffer{Data: buf}
	hs2.Get(&sr)
	if sr.Error() != nil || hs2.Hash != EMULE || len(hs2.PieceHashes) != 2 ||
		hs2.PieceHashes[0] != LIBED2K || hs2.PieceHashes[1] != Terminal {
		t.Error("hash set round trip mismatch")
	}
}

func Test_pieceHasherStreaming(t *testing.T) {
	content := bytes.Repeat([]byte{0xA5}, 100000)
	ph := NewPieceHasher()
	ph.Update(content[:40000])
	ph.Update(content[40000:])
	if ph.Finalize() != Hash128(content) {
		t.Error("streamed digest differs from one-shot digest")
	}
}
