package goed2k

import (
	"math/rand"
	"time"

	"github.com/goed2k/goed2k/data"
	"github.com/goed2k/goed2k/proto"
)

const END_GAME_DOWN_PIECES_LIMIT int = 4

// PiecePicker decides which blocks to request next. Pieces enter the
// downloading set rarest first among those the asking peer can serve,
// earliest-started pieces drain before new ones begin, and pieces
// sitting in hash verification are never re-picked.
type PiecePicker struct {
	blocksInLastPiece int
	downloadingPieces []*DownloadingPiece
	pieces            proto.BitField // started or have
	verified          proto.BitField // passed hash check
	pendingVerify     map[int]bool
	availability      []int
}

func NewPiecePicker(pieceCount int, blocksInLastPiece int) *PiecePicker {
	return &PiecePicker{
		blocksInLastPiece: blocksInLastPiece,
		downloadingPieces: []*DownloadingPiece{},
		pieces:            proto.CreateBitField(pieceCount),
		verified:          proto.CreateBitField(pieceCount),
		pendingVerify:     make(map[int]bool),
		availability:      make([]int, pieceCount),
	}
}

func CreatePiecePicker(size uint64) *PiecePicker {
	_, blocksInLast := data.NumPiecesAndBlocks(size)
	return NewPiecePicker(data.NumDataPieces(size), blocksInLast)
}

func (pp *PiecePicker) BlocksInPiece(pieceIndex int) int {
	if pieceIndex+1 == pp.pieces.Bits() {
		return pp.blocksInLastPiece
	}

	return data.BLOCKS_PER_PIECE
}

func (pp *PiecePicker) PiecesCount() int {
	return pp.pieces.Bits()
}

func (pp *PiecePicker) NumHave() int {
	return pp.verified.Count()
}

func (pp *PiecePicker) HavePiece(pieceIndex int) bool {
	return pp.verified.GetBit(pieceIndex)
}

func (pp *PiecePicker) getDownloadingPiece(pieceIndex int) *DownloadingPiece {
	for _, x := range pp.downloadingPieces {
		if x.pieceIndex == pieceIndex {
			return x
		}
	}

	return nil
}

// AddAvailability counts a connected peer's pieces; SubAvailability
// undoes it on disconnect.
func (pp *PiecePicker) AddAvailability(bf proto.BitField) {
	for i := 0; i < proto.Min(bf.Bits(), len(pp.availability)); i++ {
		if bf.GetBit(i) {
			pp.availability[i]++
		}
	}
}

func (pp *PiecePicker) SubAvailability(bf proto.BitField) {
	for i := 0; i < proto.Min(bf.Bits(), len(pp.availability)); i++ {
		if bf.GetBit(i) && pp.availability[i] > 0 {
			pp.availability[i]--
		}
	}
}

func (pp *PiecePicker) addDownloadingBlocks(requiredBlocksCount int, peer *Peer, now time.Time, endGame bool) []data.PieceBlock {
	res := []data.PieceBlock{}
	for _, dp := range pp.downloadingPieces {
		if pp.pendingVerify[dp.pieceIndex] {
			continue
		}

		if peer != nil && peer.HasPieces() && !peer.pieces.GetBit(dp.pieceIndex) {
			continue
		}

		res = append(res, dp.PickBlock(requiredBlocksCount-len(res), peer, now, endGame)...)
		if len(res) == requiredBlocksCount {
			break
		}
	}

	return res
}

func (pp *PiecePicker) isEndGame() bool {
	missing := 0
	for i := 0; i < pp.pieces.Bits(); i++ {
		if !pp.pieces.GetBit(i) {
			missing++
		}
	}

	return missing == 0 || len(pp.downloadingPieces) > END_GAME_DOWN_PIECES_LIMIT
}

// chooseNextPiece starts the rarest piece the peer has, random among
// equally rare candidates.
func (pp *PiecePicker) chooseNextPiece(peer *Peer) bool {
	candidates := []int{}
	best := -1
	for i := 0; i < pp.pieces.Bits(); i++ {
		if pp.pieces.GetBit(i) {
			continue
		}

		if peer != nil && peer.HasPieces() && !peer.pieces.GetBit(i) {
			continue
		}

		switch {
		case best == -1 || pp.availability[i] < best:
			best = pp.availability[i]
			candidates = candidates[:0]
			candidates = append(candidates, i)
		case pp.availability[i] == best:
			candidates = append(candidates, i)
		}
	}

	if len(candidates) == 0 {
		return false
	}

	pieceIndex := candidates[rand.Intn(len(candidates))]
	pp.downloadingPieces = append(pp.downloadingPieces, NewDownloadingPiece(pieceIndex, pp.BlocksInPiece(pieceIndex)))
	pp.pieces.SetBit(pieceIndex)
	return true
}

func (pp *PiecePicker) PickPieces(requiredBlocksCount int, peer *Peer, now time.Time) []data.PieceBlock {
	res := pp.addDownloadingBlocks(requiredBlocksCount, peer, now, false)

	// medium and fast peers may re-request in-flight blocks in end game
	if peer != nil && peer.Speed != PEER_SPEED_SLOW && len(res) < requiredBlocksCount && pp.isEndGame() {
		res = append(res, pp.addDownloadingBlocks(requiredBlocksCount-len(res), peer, now, true)...)
	}

	if len(res) < requiredBlocksCount && pp.chooseNextPiece(peer) {
		res = append(res, pp.PickPieces(requiredBlocksCount-len(res), peer, now)...)
	}

	return res
}

func (pp *PiecePicker) AbortBlock(block data.PieceBlock, peer *Peer) bool {
	dp := pp.getDownloadingPiece(block.PieceIndex)
	if dp != nil {
		dp.AbortBlock(block.BlockIndex, peer)
		return true
	}

	return false
}

func (pp *PiecePicker) FinishBlock(block data.PieceBlock) {
	if dp := pp.getDownloadingPiece(block.PieceIndex); dp != nil {
		dp.FinishBlock(block.BlockIndex)
	}
}

// PieceReady reports whether every block of the piece has arrived.
func (pp *PiecePicker) PieceReady(pieceIndex int) bool {
	dp := pp.getDownloadingPiece(pieceIndex)
	return dp != nil && dp.FullyDownloaded()
}

// StartVerify freezes the piece while its hash check runs.
func (pp *PiecePicker) StartVerify(pieceIndex int) {
	pp.pendingVerify[pieceIndex] = true
}

// SetHave records a passed verification.
func (pp *PiecePicker) SetHave(pieceIndex int) {
	delete(pp.pendingVerify, pieceIndex)
	if !pp.pieces.GetBit(pieceIndex) {
		pp.pieces.SetBit(pieceIndex)
	}

	pp.verified.SetBit(pieceIndex)
	for i, x := range pp.downloadingPieces {
		if x.pieceIndex == pieceIndex {
			pp.downloadingPieces = removeDownloading(pp.downloadingPieces, i)
			break
		}
	}
}

// PieceFailed throws a bad piece back into the missing set; a failed
// piece is never marked have.
func (pp *PiecePicker) PieceFailed(pieceIndex int) {
	delete(pp.pendingVerify, pieceIndex)
	for i, x := range pp.downloadingPieces {
		if x.pieceIndex == pieceIndex {
			pp.downloadingPieces = removeDownloading(pp.downloadingPieces, i)
			break
		}
	}

	pp.pieces.ClearBit(pieceIndex)
	pp.verified.ClearBit(pieceIndex)
}

// StaleBlocks collects block requests past the timeout across all
// downloading pieces and frees them for another peer.
func (pp *PiecePicker) StaleBlocks(now time.Time, timeout time.Duration) []data.PieceBlock {
	res := []data.PieceBlock{}
	for _, dp := range pp.downloadingPieces {
		if pp.pendingVerify[dp.pieceIndex] {
			continue
		}

		res = append(res, dp.StaleBlocks(now, timeout)...)
	}

	return res
}

func (pp *PiecePicker) IsFinished() bool {
	return pp.verified.Count() == pp.verified.Bits() && len(pp.downloadingPieces) == 0
}

func (pp *PiecePicker) ApplyResumeData(atp *proto.AddTransferParameters) {
	for i := 0; i < proto.Min(atp.Pieces.Bits(), pp.pieces.Bits()); i++ {
		if atp.Pieces.GetBit(i) {
			pp.pieces.SetBit(i)
			pp.verified.SetBit(i)
		}
	}

	for pieceIndex, bf := range atp.DownloadedBlocks {
		if pieceIndex < 0 || pieceIndex >= pp.pieces.Bits() || pp.verified.GetBit(pieceIndex) {
			continue
		}

		pp.pieces.SetBit(pieceIndex)
		pp.downloadingPieces = append(pp.downloadingPieces, NewDownloadingPieceParams(pieceIndex, &bfAdapter{bf}))
	}
}

type bfAdapter struct {
	bf proto.BitField
}

func (a *bfAdapter) Bits() int {
	return a.bf.Bits()
}

func (a *bfAdapter) GetBit(i int) bool {
	return a.bf.GetBit(i)
}

// GetPieces is the have-bitfield announced in FILESTATUS: verified
// pieces only.
func (pp *PiecePicker) GetPieces() proto.BitField {
	return proto.CloneBitField(pp.verified)
}

func (pp *PiecePicker) GetDownloadedBlocks() map[int]proto.BitField {
	res := make(map[int]proto.BitField)
	for _, x := range pp.downloadingPieces {
		bf := proto.CreateBitField(len(x.blocks))
		for i, b := range x.blocks {
			if b.blockState == BLOCK_STATE_FINISHED {
				bf.SetBit(i)
			}
		}

		res[x.pieceIndex] = bf
	}

	return res
}

func removeDownloading(s []*DownloadingPiece, i int) []*DownloadingPiece {
	return append(s[:i], s[i+1:]...)
}
