package goed2k

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/goed2k/goed2k/data"
	"github.com/goed2k/goed2k/proto"
)

// HashResult is the outcome of hashing one shared file.
type HashResult struct {
	Path   string
	Params proto.AddTransferParameters
	Err    error
}

type hashTask struct {
	path      string
	cancelled *int32
	done      func(HashResult)
}

// TransferParamsMaker is the dedicated hashing worker: it streams files
// piece by piece and emits ready-to-share transfer parameters. One file
// is in flight at a time, queued tasks follow in submission order.
type TransferParamsMaker struct {
	log   *zap.Logger
	tasks chan hashTask
	wg    sync.WaitGroup

	mutex  sync.Mutex
	closed bool
}

func NewTransferParamsMaker(log *zap.Logger) *TransferParamsMaker {
	m := &TransferParamsMaker{log: log.Named("hasher"), tasks: make(chan hashTask, 64)}
	m.wg.Add(1)
	go m.run()
	return m
}

// Submit schedules path for hashing; the returned cancel function makes
// a still-pending task complete with ErrTransferAborted without reading
// the file.
func (m *TransferParamsMaker) Submit(path string, done func(HashResult)) (func(), error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return nil, ErrSessionClosing
	}

	var cancelled int32
	m.tasks <- hashTask{path: path, cancelled: &cancelled, done: done}
	return func() { atomic.StoreInt32(&cancelled, 1) }, nil
}

func (m *TransferParamsMaker) Stop() {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return
	}

	m.closed = true
	m.mutex.Unlock()
	close(m.tasks)
	m.wg.Wait()
}

func (m *TransferParamsMaker) run() {
	defer m.wg.Done()
	for task := range m.tasks {
		if atomic.LoadInt32(task.cancelled) != 0 {
			task.done(HashResult{Path: task.path, Err: ErrTransferAborted})
			continue
		}

		task.done(m.hashOne(task))
	}
}

func (m *TransferParamsMaker) hashOne(task hashTask) HashResult {
	res := HashResult{Path: task.path}

	f, err := os.Open(task.path)
	if err != nil {
		res.Err = ErrFileNotFound
		return res
	}

	defer f.Close()

	st, err := f.Stat()
	if err != nil || !st.Mode().IsRegular() {
		res.Err = ErrFileNotFound
		return res
	}

	if st.Size() == 0 {
		res.Err = ErrFileSizeZero
		return res
	}

	size := uint64(st.Size())
	hashes, err := hashCancellable(f, size, task.cancelled)
	if err != nil {
		res.Err = err
		return res
	}

	params := proto.CreateAddTransferParameters(hashes.Hash, size, st.Name())
	params.Hashes = hashes
	params.Pieces.SetAll()
	params.SavedMtime = st.ModTime().Unix()
	res.Params = params

	m.log.Debug("hashed file", zap.String("path", task.path),
		zap.Uint64("size", size), zap.String("hash", hashes.Hash.ToString()))
	return res
}

// hashCancellable mirrors proto.HashFile with a cancellation poll
// between blocks.
func hashCancellable(r io.Reader, size uint64, cancelled *int32) (proto.HashSet, error) {
	res := proto.HashSet{}
	ph := proto.NewPieceHasher()
	buf := make([]byte, data.BLOCK_SIZE)
	var inPiece uint64
	remain := size

	for remain > 0 {
		if atomic.LoadInt32(cancelled) != 0 {
			return res, ErrTransferAborted
		}

		chunk := uint64(data.BLOCK_SIZE)
		if left := data.PIECE_SIZE_UINT64 - inPiece; left < chunk {
			chunk = left
		}
		if remain < chunk {
			chunk = remain
		}

		if _, err := io.ReadFull(r, buf[:chunk]); err != nil {
			return res, ErrFileTruncated
		}

		ph.Update(buf[:chunk])
		inPiece += chunk
		remain -= chunk

		if inPiece == data.PIECE_SIZE_UINT64 {
			res.PieceHashes = append(res.PieceHashes, ph.Finalize())
			inPiece = 0
		}
	}

	res.PieceHashes = append(res.PieceHashes, ph.Finalize())
	res.Hash = res.Reduce()
	return res, nil
}
