package gateway

import (
	"bytes"
	"context"
	"encoding/binary"
	"strconv"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Bolt persists the grid in a bbolt file and announces changes on an
// in-process Bus. Only one process can open the file, so it suits a single
// server instance that must survive restarts.
type Bolt struct {
	*Bus
	db *bolt.DB
}

var _ Gateway = (*Bolt)(nil)

// NewBolt opens (or creates) the database at path.
func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt database %s failed", path)
	}
	return &Bolt{Bus: NewBus(), db: db}, nil
}

func boltKey(index uint32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, index)
	return k
}

func (b *Bolt) RangeWithScores(_ context.Context, key string, start, end uint32) ([]Member, error) {
	if start > end {
		return nil, nil
	}
	var (
		members   []Member
		decodeErr error
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(key))
		if bucket == nil {
			return nil
		}
		last := boltKey(end)
		c := bucket.Cursor()
		for k, v := c.Seek(boltKey(start)); k != nil && bytes.Compare(k, last) <= 0; k, v = c.Next() {
			score, err := strconv.Atoi(string(v))
			if err != nil {
				decodeErr = errors.Wrapf(err, "decode score of %x failed", k)
				return decodeErr
			}
			members = append(members, Member{Index: binary.BigEndian.Uint32(k), Score: score})
		}
		return nil
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	if err != nil {
		return nil, unavailable("range", err)
	}
	return members, nil
}

func (b *Bolt) SetScore(_ context.Context, key string, index uint32, score int) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		return bucket.Put(boltKey(index), []byte(strconv.Itoa(score)))
	})
	return unavailable("set score", err)
}

func (b *Bolt) Close() error {
	if err := b.Bus.Close(); err != nil {
		return err
	}
	return errors.Wrap(b.db.Close(), "close bolt database failed")
}
