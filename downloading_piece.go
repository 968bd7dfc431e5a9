package goed2k

import (
	"time"

	"github.com/goed2k/goed2k/data"
)

const BLOCK_STATE_NONE int = 0
const BLOCK_STATE_REQUESTED int = 1
const BLOCK_STATE_WRITING int = 2
const BLOCK_STATE_FINISHED int = 3

type Block struct {
	blockState       int
	downloadersCount int
	lastDownloader   *Peer
	requestedAt      time.Time
}

// DownloadingPiece tracks per-block progress of one piece that left the
// picker queue.
type DownloadingPiece struct {
	pieceIndex int
	blocks     []Block
}

func NewDownloadingPiece(pieceIndex int, blocksCount int) *DownloadingPiece {
	return &DownloadingPiece{pieceIndex: pieceIndex, blocks: make([]Block, blocksCount)}
}

// NewDownloadingPieceParams revives a piece from resume data: finished
// blocks are marked, the rest start clean.
func NewDownloadingPieceParams(pieceIndex int, finished BitFieldLike) *DownloadingPiece {
	dp := &DownloadingPiece{pieceIndex: pieceIndex, blocks: make([]Block, finished.Bits())}
	for i := 0; i < finished.Bits(); i++ {
		if finished.GetBit(i) {
			dp.blocks[i].blockState = BLOCK_STATE_FINISHED
		}
	}

	return dp
}

// BitFieldLike decouples resume revive from the wire bitfield type.
type BitFieldLike interface {
	Bits() int
	GetBit(i int) bool
}

func (dp *DownloadingPiece) BlocksWithStateCount(state int) int {
	res := 0
	for _, x := range dp.blocks {
		if x.blockState == state {
			res++
		}
	}

	return res
}

func (dp *DownloadingPiece) NumBlocks() int {
	return len(dp.blocks)
}

func (dp *DownloadingPiece) NumHave() int {
	return dp.BlocksWithStateCount(BLOCK_STATE_FINISHED)
}

func (dp *DownloadingPiece) FullyDownloaded() bool {
	return dp.NumHave() == len(dp.blocks)
}

func (dp *DownloadingPiece) PickBlock(requiredBlocksCount int, peer *Peer, now time.Time, endGame bool) []data.PieceBlock {
	res := []data.PieceBlock{}
	// not end game mode and no free blocks left
	if !endGame && dp.BlocksWithStateCount(BLOCK_STATE_NONE) == 0 {
		return res
	}

	for i := 0; i < len(dp.blocks) && len(res) < requiredBlocksCount; i++ {
		if dp.blocks[i].blockState == BLOCK_STATE_NONE {
			res = append(res, data.PieceBlock{PieceIndex: dp.pieceIndex, BlockIndex: i})
			dp.blocks[i].blockState = BLOCK_STATE_REQUESTED
			dp.blocks[i].lastDownloader = peer
			dp.blocks[i].downloadersCount++
			dp.blocks[i].requestedAt = now
			continue
		}

		if endGame && dp.blocks[i].blockState == BLOCK_STATE_REQUESTED {
			// re-request from a faster peer near completion
			if dp.blocks[i].downloadersCount < 2 && dp.blocks[i].lastDownloader != peer &&
				(dp.blocks[i].lastDownloader == nil || dp.blocks[i].lastDownloader.Speed < peer.Speed) {
				dp.blocks[i].lastDownloader = peer
				dp.blocks[i].downloadersCount++
				dp.blocks[i].requestedAt = now
				res = append(res, data.PieceBlock{PieceIndex: dp.pieceIndex, BlockIndex: i})
			}
		}
	}

	return res
}

func (dp *DownloadingPiece) AbortBlock(blockIndex int, peer *Peer) {
	if blockIndex < 0 || blockIndex >= len(dp.blocks) {
		panic("block index is out of range")
	}

	if dp.blocks[blockIndex].blockState == BLOCK_STATE_FINISHED {
		return
	}

	dp.blocks[blockIndex].blockState = BLOCK_STATE_NONE
	if dp.blocks[blockIndex].downloadersCount > 0 {
		dp.blocks[blockIndex].downloadersCount--
	}

	if peer != nil && dp.blocks[blockIndex].lastDownloader == peer {
		dp.blocks[blockIndex].lastDownloader = nil
	}
}

func (dp *DownloadingPiece) FinishBlock(blockIndex int) {
	if blockIndex < 0 || blockIndex >= len(dp.blocks) {
		panic("block index is out of range")
	}

	dp.blocks[blockIndex].blockState = BLOCK_STATE_FINISHED
}

// StaleBlocks returns requested blocks older than the timeout, resetting
// them for re-pick.
func (dp *DownloadingPiece) StaleBlocks(now time.Time, timeout time.Duration) []data.PieceBlock {
	res := []data.PieceBlock{}
	for i := range dp.blocks {
		if dp.blocks[i].blockState == BLOCK_STATE_REQUESTED && now.Sub(dp.blocks[i].requestedAt) > timeout {
			dp.blocks[i].blockState = BLOCK_STATE_NONE
			dp.blocks[i].lastDownloader = nil
			res = append(res, data.PieceBlock{PieceIndex: dp.pieceIndex, BlockIndex: i})
		}
	}

	return res
}

// FinishedBlocks snapshots the finished map for resume data.
func (dp *DownloadingPiece) FinishedBlocks() []bool {
	res := make([]bool, len(dp.blocks))
	for i, b := range dp.blocks {
		res[i] = b.blockState == BLOCK_STATE_FINISHED
	}

	return res
}
