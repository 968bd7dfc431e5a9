package goed2k

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	FILE_MODE_READ  = 1
	FILE_MODE_WRITE = 2
)

type poolKey struct {
	storageId int
	fileIndex int
}

type poolEntry struct {
	file    *os.File
	path    string
	mode    int
	lastUse time.Time
}

// FilePool keeps open descriptors under an LRU cap, keyed by
// (storage id, file index). Opening for write upgrades an existing
// read handle via close and reopen. It is mutex guarded because the
// disk worker and the blocking-close worker both touch it.
type FilePool struct {
	mutex sync.Mutex
	limit int
	files map[poolKey]*poolEntry
}

func NewFilePool(limit int) *FilePool {
	if limit <= 0 {
		limit = 40
	}

	return &FilePool{limit: limit, files: make(map[poolKey]*poolEntry)}
}

func (fp *FilePool) OpenFile(storageId int, fileIndex int, path string, mode int) (*os.File, error) {
	fp.mutex.Lock()
	defer fp.mutex.Unlock()

	key := poolKey{storageId: storageId, fileIndex: fileIndex}
	if e, ok := fp.files[key]; ok {
		if e.mode&mode == mode {
			e.lastUse = time.Now()
			return e.file, nil
		}

		// upgrade: reopen with the union of modes
		e.file.Close()
		delete(fp.files, key)
		mode |= e.mode
	}

	if len(fp.files) >= fp.limit {
		fp.removeOldestLocked()
	}

	flags := os.O_RDONLY
	if mode&FILE_MODE_WRITE != 0 {
		flags = os.O_RDWR | os.O_CREATE
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "file pool open %s", path)
	}

	fp.files[key] = &poolEntry{file: f, path: path, mode: mode, lastUse: time.Now()}
	return f, nil
}

func (fp *FilePool) removeOldestLocked() {
	var oldest poolKey
	var oldestTime time.Time
	first := true
	for k, e := range fp.files {
		if first || e.lastUse.Before(oldestTime) {
			oldest = k
			oldestTime = e.lastUse
			first = false
		}
	}

	if !first {
		fp.files[oldest].file.Close()
		delete(fp.files, oldest)
	}
}

// Release closes every handle of one storage, or a single file when
// fileIndex is non-negative.
func (fp *FilePool) Release(storageId int, fileIndex int) {
	fp.mutex.Lock()
	defer fp.mutex.Unlock()
	for k, e := range fp.files {
		if k.storageId != storageId {
			continue
		}

		if fileIndex >= 0 && k.fileIndex != fileIndex {
			continue
		}

		e.file.Close()
		delete(fp.files, k)
	}
}

func (fp *FilePool) ReleaseAll() {
	fp.mutex.Lock()
	defer fp.mutex.Unlock()
	for k, e := range fp.files {
		e.file.Close()
		delete(fp.files, k)
	}
}

func (fp *FilePool) Resize(limit int) {
	fp.mutex.Lock()
	defer fp.mutex.Unlock()
	fp.limit = limit
	for len(fp.files) > fp.limit {
		fp.removeOldestLocked()
	}
}

func (fp *FilePool) Size() int {
	fp.mutex.Lock()
	defer fp.mutex.Unlock()
	return len(fp.files)
}
