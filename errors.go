package goed2k

import "errors"

// transport errors
var (
	ErrConnectionReset     = errors.New("connection reset")
	ErrTimedOut            = errors.New("timed out")
	ErrTimedOutInactivity  = errors.New("timed out inactivity")
	ErrConnectionToItself  = errors.New("connection to itself")
	ErrDuplicatePeerId     = errors.New("duplicate peer id")
	ErrBannedByIpFilter    = errors.New("banned by IP filter")
	ErrTooManyConnections  = errors.New("too many connections")
	ErrHalfOpenExhausted   = errors.New("half-open connections exhausted")
	ErrQueueRankingTooHigh = errors.New("upload queue full")
)

// session errors
var (
	ErrSessionClosing    = errors.New("session closing")
	ErrDuplicateTransfer = errors.New("transfer already exists in session")
	ErrTransferPaused    = errors.New("transfer paused")
	ErrTransferFinished  = errors.New("transfer finished")
	ErrTransferAborted   = errors.New("transfer aborted")
	ErrInvalidHandle     = errors.New("invalid transfer handle")
)

// storage errors
var (
	ErrFileNotFound         = errors.New("file not exists or is not regular file")
	ErrFileTooShort         = errors.New("file is too short")
	ErrFileSizeZero         = errors.New("file size is zero")
	ErrFileTruncated        = errors.New("file was truncated")
	ErrMismatchingFileSize  = errors.New("mismatching file size")
	ErrMismatchingFileMtime = errors.New("mismatching file timestamp")
	ErrPiecesNeedReorder    = errors.New("pieces need reorder")
	ErrDiskBufferOverflow   = errors.New("queued disk bytes over watermark")
)

// hash and protocol errors
var (
	ErrMismatchingTransferHash = errors.New("mismatching transfer hash")
	ErrFailedHashCheck         = errors.New("failed hash check")
	ErrMissingTransferHash     = errors.New("missing transfer hash")
	ErrHashesDontMatchPieces   = errors.New("hashes dont match pieces")
)

// dht errors
var (
	ErrNoRouter            = errors.New("no router")
	ErrUnreachableEndpoint = errors.New("unreachable endpoint")
)
