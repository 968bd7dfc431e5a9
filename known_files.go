package goed2k

import (
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/goed2k/goed2k/proto"
)

const (
	bTransfers = "transfers"
	bMeta      = "meta"

	knownFilesTO = 2 * time.Second
)

// KnownFiles is the resume database: one serialized tagged entry per
// file hash. It does not compare saved mtimes with the files on disk;
// Session.acceptResume does that and queues a full check on a mismatch.
type KnownFiles struct {
	db *bolt.DB
}

func OpenKnownFiles(path string) (*KnownFiles, error) {
	if path == "" {
		return nil, errors.New("empty known files path")
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: knownFilesTO})
	if err != nil {
		return nil, errors.Wrap(err, "open known files db")
	}

	k := &KnownFiles{db: db}
	if err := k.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bTransfers)); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists([]byte(bMeta))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "prepare known files db")
	}

	return k, nil
}

func (k *KnownFiles) Close() error {
	return k.db.Close()
}

// Store persists the resume entry for one transfer.
func (k *KnownFiles) Store(atp *proto.AddTransferParameters) error {
	entry, err := proto.PackResumeEntry(atp)
	if err != nil {
		return errors.Wrap(err, "pack resume entry")
	}

	buf := make([]byte, entry.Size())
	sb := proto.StateBuffer{Data: buf}
	entry.Put(&sb)
	if sb.Error() != nil {
		return errors.Wrap(sb.Error(), "serialize resume entry")
	}

	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bTransfers)).Put(atp.Hashes.Hash[:], buf[:sb.Offset()])
	})
}

// Load fetches one entry by hash; a missing entry is (nil, nil).
func (k *KnownFiles) Load(h proto.ED2KHash) (*proto.AddTransferParameters, error) {
	var raw []byte
	if err := k.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bTransfers)).Get(h[:])
		if v != nil {
			raw = append([]byte{}, v...)
		}

		return nil
	}); err != nil {
		return nil, err
	}

	if raw == nil {
		return nil, nil
	}

	entry := proto.ResumeEntry{}
	sb := proto.StateBuffer{Data: raw}
	entry.Get(&sb)
	if sb.Error() != nil {
		return nil, errors.Wrap(sb.Error(), "decode resume entry")
	}

	atp, err := entry.Unpack()
	if err != nil {
		return nil, err
	}

	return &atp, nil
}

func (k *KnownFiles) Remove(h proto.ED2KHash) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bTransfers)).Delete(h[:])
	})
}

// ForEach walks every stored entry; decode failures skip the record,
// one bad row must not brick startup.
func (k *KnownFiles) ForEach(fn func(atp proto.AddTransferParameters) error) error {
	return k.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bTransfers)).ForEach(func(key, v []byte) error {
			entry := proto.ResumeEntry{}
			sb := proto.StateBuffer{Data: v}
			entry.Get(&sb)
			if sb.Error() != nil {
				return nil
			}

			atp, err := entry.Unpack()
			if err != nil {
				return nil
			}

			return fn(atp)
		})
	})
}
