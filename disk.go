package goed2k

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/goed2k/goed2k/proto"
)

type DiskJobKind int

const (
	DISK_JOB_READ DiskJobKind = iota
	DISK_JOB_WRITE
	DISK_JOB_HASH
	DISK_JOB_MOVE_STORAGE
	DISK_JOB_RENAME
	DISK_JOB_DELETE
	DISK_JOB_FLUSH
	DISK_JOB_UPDATE_SETTINGS
)

// DiskJob is one unit of work for the disk worker. Buffer is owned by
// the job until the completion callback runs.
type DiskJob struct {
	Kind      DiskJobKind
	StorageId int
	FileIndex int
	Path      string
	NewPath   string
	Offset    uint64
	Length    uint64
	FileSize  uint64
	Buffer    []byte
	PoolSize  int

	// Cancelled is polled right before execution; a cancelled job is
	// dropped without a completion event, its owner already gave up.
	Cancelled func() bool
	Done      func(DiskResult)
}

type DiskResult struct {
	Err    error
	Buffer []byte
	Hashes proto.HashSet
}

// DiskIO owns the single disk worker: jobs run to completion in
// submission order, contiguous writes to the same file coalesce before
// the write call, and a byte budget pushes back on producers.
type DiskIO struct {
	log  *zap.Logger
	pool *FilePool

	jobs   chan DiskJob
	sendMu sync.RWMutex
	wg     sync.WaitGroup

	mutex       sync.Mutex
	cond        *sync.Cond
	queuedBytes int
	high        int
	low         int
	closed      bool
}

func NewDiskIO(log *zap.Logger, settings *Settings) *DiskIO {
	d := &DiskIO{
		log:  log.Named("disk"),
		pool: NewFilePool(settings.FilePoolSize),
		jobs: make(chan DiskJob, 256),
		high: settings.MaxQueuedDiskBytes,
		low:  settings.MaxQueuedDiskBytesLowWatermark,
	}

	d.cond = sync.NewCond(&d.mutex)
	d.wg.Add(1)
	go d.run()
	return d
}

// Submit enqueues a job. Producers park while the queued write bytes
// sit above the high watermark and resume below the low one.
func (d *DiskIO) Submit(job DiskJob) error {
	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		return ErrSessionClosing
	}

	if job.Kind == DISK_JOB_WRITE {
		for d.queuedBytes > d.high && !d.closed {
			d.cond.Wait()
		}

		d.queuedBytes += len(job.Buffer)
	}

	closed := d.closed
	d.mutex.Unlock()

	if closed {
		return ErrSessionClosing
	}

	// the read lock keeps Stop from closing the channel mid-send
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	d.jobs <- job
	return nil
}

func (d *DiskIO) Stop() {
	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		return
	}

	d.closed = true
	d.cond.Broadcast()
	d.mutex.Unlock()

	d.sendMu.Lock()
	close(d.jobs)
	d.sendMu.Unlock()
	d.wg.Wait()
	d.pool.ReleaseAll()
}

func (d *DiskIO) drain(n int) {
	d.mutex.Lock()
	d.queuedBytes -= n
	if d.queuedBytes < d.low {
		d.cond.Broadcast()
	}
	d.mutex.Unlock()
}

func (d *DiskIO) run() {
	defer d.wg.Done()
	for job := range d.jobs {
		if job.Cancelled != nil && job.Cancelled() {
			if job.Kind == DISK_JOB_WRITE {
				d.drain(len(job.Buffer))
			}
			continue
		}

		switch job.Kind {
		case DISK_JOB_WRITE:
			d.execWrite(job)
		case DISK_JOB_READ:
			d.complete(job, d.execRead(&job))
		case DISK_JOB_HASH:
			d.complete(job, d.execHash(&job))
		case DISK_JOB_MOVE_STORAGE, DISK_JOB_RENAME:
			d.complete(job, d.execRename(&job))
		case DISK_JOB_DELETE:
			d.pool.Release(job.StorageId, -1)
			d.complete(job, DiskResult{Err: os.Remove(job.Path)})
		case DISK_JOB_FLUSH:
			d.complete(job, d.execFlush(&job))
		case DISK_JOB_UPDATE_SETTINGS:
			d.pool.Resize(job.PoolSize)
			d.complete(job, DiskResult{})
		}
	}
}

func (d *DiskIO) complete(job DiskJob, res DiskResult) {
	if job.Done != nil {
		job.Done(res)
	}
}

// execWrite issues one coalesced write: queued jobs contiguous with
// this one on the same file merge into a single WriteAt.
func (d *DiskIO) execWrite(job DiskJob) {
	batch := []DiskJob{job}
	buf := job.Buffer
	end := job.Offset + uint64(len(job.Buffer))

	for {
		var next DiskJob
		ok := false
		select {
		case next, ok = <-d.jobs:
		default:
		}

		if !ok {
			break
		}

		if next.Kind == DISK_JOB_WRITE && next.StorageId == job.StorageId &&
			next.FileIndex == job.FileIndex && next.Offset == end &&
			(next.Cancelled == nil || !next.Cancelled()) {
			batch = append(batch, next)
			buf = append(buf, next.Buffer...)
			end += uint64(len(next.Buffer))
			continue
		}

		// not mergeable: run the batch, then the stray job
		d.flushWrite(job, buf, batch)
		if ok {
			d.requeue(next)
		}
		return
	}

	d.flushWrite(job, buf, batch)
}

func (d *DiskIO) requeue(job DiskJob) {
	if job.Cancelled != nil && job.Cancelled() {
		if job.Kind == DISK_JOB_WRITE {
			d.drain(len(job.Buffer))
		}

		return
	}

	// execute out of band; ordering to a different range is free
	switch job.Kind {
	case DISK_JOB_WRITE:
		d.execWrite(job)
	case DISK_JOB_READ:
		d.complete(job, d.execRead(&job))
	case DISK_JOB_HASH:
		d.complete(job, d.execHash(&job))
	case DISK_JOB_MOVE_STORAGE, DISK_JOB_RENAME:
		d.complete(job, d.execRename(&job))
	case DISK_JOB_DELETE:
		d.pool.Release(job.StorageId, -1)
		d.complete(job, DiskResult{Err: os.Remove(job.Path)})
	case DISK_JOB_FLUSH:
		d.complete(job, d.execFlush(&job))
	case DISK_JOB_UPDATE_SETTINGS:
		d.pool.Resize(job.PoolSize)
		d.complete(job, DiskResult{})
	}
}

func (d *DiskIO) flushWrite(job DiskJob, buf []byte, batch []DiskJob) {
	f, err := d.pool.OpenFile(job.StorageId, job.FileIndex, job.Path, FILE_MODE_WRITE)
	if err == nil {
		_, err = f.WriteAt(buf, int64(job.Offset))
	}

	if err != nil {
		d.log.Warn("write failed", zap.String("path", job.Path),
			zap.Uint64("offset", job.Offset), zap.Error(err))
	}

	for _, b := range batch {
		d.drain(len(b.Buffer))
		d.complete(b, DiskResult{Err: err})
	}
}

func (d *DiskIO) execRead(job *DiskJob) DiskResult {
	f, err := d.pool.OpenFile(job.StorageId, job.FileIndex, job.Path, FILE_MODE_READ)
	if err != nil {
		return DiskResult{Err: err}
	}

	buf := make([]byte, job.Length)
	n, err := f.ReadAt(buf, int64(job.Offset))
	if err == io.EOF && uint64(n) == job.Length {
		err = nil
	}

	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return DiskResult{Err: ErrFileTooShort}
		}

		return DiskResult{Err: errors.Wrapf(err, "read %s", job.Path)}
	}

	return DiskResult{Buffer: buf}
}

// execHash streams the file through the piece hasher block by block,
// never holding more than one block in memory.
func (d *DiskIO) execHash(job *DiskJob) DiskResult {
	f, err := d.pool.OpenFile(job.StorageId, job.FileIndex, job.Path, FILE_MODE_READ)
	if err != nil {
		return DiskResult{Err: err}
	}

	st, err := f.Stat()
	if err != nil {
		return DiskResult{Err: errors.Wrapf(err, "stat %s", job.Path)}
	}

	if uint64(st.Size()) != job.FileSize {
		return DiskResult{Err: ErrMismatchingFileSize}
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return DiskResult{Err: errors.Wrapf(err, "seek %s", job.Path)}
	}

	hashes, err := proto.HashFile(f, job.FileSize)
	if err != nil {
		return DiskResult{Err: errors.Wrapf(err, "hash %s", job.Path)}
	}

	return DiskResult{Hashes: hashes}
}

func (d *DiskIO) execRename(job *DiskJob) DiskResult {
	d.pool.Release(job.StorageId, job.FileIndex)
	if err := os.Rename(job.Path, job.NewPath); err != nil {
		return DiskResult{Err: errors.Wrapf(err, "rename %s", job.Path)}
	}

	return DiskResult{}
}

func (d *DiskIO) execFlush(job *DiskJob) DiskResult {
	f, err := d.pool.OpenFile(job.StorageId, job.FileIndex, job.Path, FILE_MODE_WRITE)
	if err != nil {
		return DiskResult{Err: err}
	}

	return DiskResult{Err: f.Sync()}
}
