package data

// Piece is the hash verification unit, block the transfer and disk
// I/O quantum. The last block of a piece is short.
const PIECE_SIZE int = 9728000
const PIECE_SIZE_UINT64 uint64 = 9728000
const BLOCK_SIZE int = 180224
const BLOCK_SIZE_UINT64 uint64 = 180224
const BLOCKS_PER_PIECE int = (PIECE_SIZE + BLOCK_SIZE - 1) / BLOCK_SIZE
const REQUEST_QUEUE_SIZE int = 3
const PARTS_IN_REQUEST int = 3

func DivCeilUint64(a uint64, b uint64) uint64 {
	return (a + b - 1) / b
}

// NumPieces is the piece hash list length for a file of the given size:
// ceil(size/piece) plus the terminal piece when size is an exact
// multiple. The empty file still carries one piece.
func NumPieces(size uint64) int {
	if size == 0 {
		return 1
	}

	res := int(DivCeilUint64(size, PIECE_SIZE_UINT64))
	if size%PIECE_SIZE_UINT64 == 0 {
		res++
	}

	return res
}

// NumDataPieces counts only pieces that carry bytes: the terminal
// zero-content piece of exact-multiple files is a hash list artifact,
// not a transfer unit.
func NumDataPieces(size uint64) int {
	return int(DivCeilUint64(size, PIECE_SIZE_UINT64))
}

// NumPiecesAndBlocks also yields the block count of the trailing
// data piece (the terminal piece holds no data and no blocks).
func NumPiecesAndBlocks(size uint64) (int, int) {
	pieces := NumPieces(size)
	tail := size % PIECE_SIZE_UINT64
	if size != 0 && tail == 0 {
		return pieces, BLOCKS_PER_PIECE
	}

	return pieces, int(DivCeilUint64(tail, BLOCK_SIZE_UINT64))
}

// PieceSize is the data length of piece pieceIndex in a file of size bytes.
func PieceSize(size uint64, pieceIndex int) uint64 {
	begin := uint64(pieceIndex) * PIECE_SIZE_UINT64
	if begin >= size {
		return 0
	}

	if size-begin < PIECE_SIZE_UINT64 {
		return size - begin
	}

	return PIECE_SIZE_UINT64
}

// BlockSize is the data length of the given block.
func BlockSize(size uint64, b PieceBlock) uint64 {
	begin := b.Start()
	if begin >= size {
		return 0
	}

	end := begin + BLOCK_SIZE_UINT64
	if pieceEnd := uint64(b.PieceIndex+1) * PIECE_SIZE_UINT64; end > pieceEnd {
		end = pieceEnd
	}
	if end > size {
		end = size
	}

	return end - begin
}

func InBlockOffset(begin uint64, end uint64) (int, int) {
	return int(begin % PIECE_SIZE_UINT64), int(end - begin)
}

// BeginEnd2StartLength maps an absolute byte range to
// (piece, in-piece start, length).
func BeginEnd2StartLength(begin uint64, end uint64) (int, uint64, uint64) {
	return int(begin / PIECE_SIZE_UINT64), begin % PIECE_SIZE_UINT64, end - begin
}
