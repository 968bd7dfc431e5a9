package proto

import (
	"io"

	"golang.org/x/crypto/md4"

	"github.com/goed2k/goed2k/data"
)

// Hash128 digests a single buffer.
func Hash128(b []byte) ED2KHash {
	h := md4.New()
	h.Write(b)
	res := ED2KHash{}
	h.Sum(res[:0])
	return res
}

// PieceHasher streams the bytes of one piece.
type PieceHasher struct {
	h interface {
		Write(p []byte) (int, error)
		Sum(b []byte) []byte
		Reset()
	}
}

func NewPieceHasher() *PieceHasher {
	return &PieceHasher{h: md4.New()}
}

func (ph *PieceHasher) Update(b []byte) {
	ph.h.Write(b)
}

func (ph *PieceHasher) Finalize() ED2KHash {
	res := ED2KHash{}
	ph.h.Sum(res[:0])
	ph.h.Reset()
	return res
}

// HashSet is a file hash with its per-piece digests. A file longer than
// one piece has a complete list; otherwise the list holds one element
// equal to the file hash.
type HashSet struct {
	Hash        ED2KHash
	PieceHashes []ED2KHash
}

func (hs *HashSet) Get(sb *StateBuffer) *StateBuffer {
	sb.Read(&hs.Hash)
	sz := sb.ReadUint16()
	if sb.Error() != nil {
		return sb
	}

	if uint32(sz) > MAX_ELEMS {
		return sb.Abort(ErrContainerTooLong)
	}

	hs.PieceHashes = make([]ED2KHash, sz)
	for i := 0; i < int(sz); i++ {
		sb.Read(&hs.PieceHashes[i])
		if sb.Error() != nil {
			break
		}
	}

	return sb
}

func (hs HashSet) Put(sb *StateBuffer) *StateBuffer {
	sb.Write(hs.Hash).Write(uint16(len(hs.PieceHashes)))
	for _, h := range hs.PieceHashes {
		sb.Write(h)
		if sb.Error() != nil {
			break
		}
	}

	return sb
}

func (hs HashSet) Size() int {
	return DataSize(hs.Hash) + DataSize(uint16(0)) + len(hs.PieceHashes)*HASH_SIZE
}

// Reduce rolls the piece list up to the file hash: a single-element
// list is the hash itself, a longer one is digested as a whole.
func (hs HashSet) Reduce() ED2KHash {
	if len(hs.PieceHashes) == 0 {
		return ZERO
	}

	if len(hs.PieceHashes) == 1 {
		return hs.PieceHashes[0]
	}

	h := md4.New()
	for _, p := range hs.PieceHashes {
		h.Write(p[:])
	}

	res := ED2KHash{}
	h.Sum(res[:0])
	return res
}

// Valid reports whether the piece list rolls up to the announced hash
// and covers size bytes per the terminal-piece rule.
func (hs HashSet) Valid(size uint64) bool {
	return len(hs.PieceHashes) == data.NumPieces(size) && hs.Reduce() == hs.Hash
}

// HashFile consumes size bytes from r and derives the file hash and the
// piece hash list. A file whose length is an exact multiple of the piece
// size gets the terminal zero-content piece appended before roll-up.
func HashFile(r io.Reader, size uint64) (HashSet, error) {
	res := HashSet{}
	ph := NewPieceHasher()
	buf := make([]byte, data.BLOCK_SIZE)
	var inPiece uint64
	remain := size

	for remain > 0 {
		chunk := uint64(data.BLOCK_SIZE)
		if left := data.PIECE_SIZE_UINT64 - inPiece; left < chunk {
			chunk = left
		}
		if remain < chunk {
			chunk = remain
		}

		if _, err := io.ReadFull(r, buf[:chunk]); err != nil {
			return res, err
		}

		ph.Update(buf[:chunk])
		inPiece += chunk
		remain -= chunk

		if inPiece == data.PIECE_SIZE_UINT64 {
			res.PieceHashes = append(res.PieceHashes, ph.Finalize())
			inPiece = 0
		}
	}

	// the trailing partial piece, or the terminal zero-content piece
	// when the length is an exact multiple of the piece size
	res.PieceHashes = append(res.PieceHashes, ph.Finalize())

	res.Hash = res.Reduce()
	return res, nil
}
