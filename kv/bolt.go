package kv

import (
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const defaultBucket = "shard"

type BoltOptions struct {
	// Bucket holding the shard's keys; defaults to "shard".
	Bucket    string
	IsTesting bool
	MmapSize  int
	ReadOnly  bool
}

// BoltStore keeps shard keys in a single Bolt bucket using the flat key
// encoding, so Bolt's byte order matches Key order.
type BoltStore struct {
	bdb    *bbolt.DB
	bucket []byte
}

func OpenBolt(path string, opt BoltOptions) (*BoltStore, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	bopt.ReadOnly = opt.ReadOnly
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("kv: %w", err)
	}
	bucket := opt.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}
	return &BoltStore{bdb: bdb, bucket: []byte(bucket)}, nil
}

func (s *BoltStore) Bolt() *bbolt.DB {
	return s.bdb
}

func (s *BoltStore) Close() error {
	return s.bdb.Close()
}

func (s *BoltStore) Put(k Key, v []byte) error {
	return s.PutAll([]Entry{{k, v}})
}

// PutAll writes entries in a single transaction.
func (s *BoltStore) PutAll(entries []Entry) error {
	return s.bdb.Update(func(btx *bbolt.Tx) error {
		b, err := btx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		for _, e := range entries {
			v := e.Value
			if v == nil {
				v = []byte{}
			}
			if err := b.Put(EncodeKey(e.Key), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewCursor returns a cursor that holds a read-only Bolt transaction until
// it is closed.
func (s *BoltStore) NewCursor() (Cursor, error) {
	btx, err := s.bdb.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("kv: begin read: %w", err)
	}
	c := &boltCursor{store: s, btx: btx}
	if b := btx.Bucket(s.bucket); b != nil {
		c.bcur = b.Cursor()
	}
	return c, nil
}

type boltCursor struct {
	store  *BoltStore
	btx    *bbolt.Tx
	bcur   *bbolt.Cursor
	rang   Range
	k      Key
	v      []byte
	valid  bool
	seeked bool
	closed bool
}

func (c *boltCursor) Seek(r Range) error {
	if c.closed {
		return ErrClosed
	}
	c.rang = r
	c.valid = false
	c.seeked = true
	if c.bcur == nil {
		return nil
	}
	var bk, bv []byte
	if r.Start == nil {
		bk, bv = c.bcur.First()
	} else {
		buf := encodeKeyPooled(*r.Start)
		bk, bv = c.bcur.Seek(buf)
		releaseKeyBuf(buf)
	}
	if err := c.load(bk, bv); err != nil {
		return err
	}
	if c.valid && r.Start != nil && !r.StartInclusive && Compare(c.k, *r.Start) == 0 {
		return c.Next()
	}
	return nil
}

func (c *boltCursor) Next() error {
	if c.closed {
		return ErrClosed
	}
	if c.bcur == nil {
		return nil
	}
	if !c.seeked {
		return c.Seek(RangeAll())
	}
	return c.load(c.bcur.Next())
}

func (c *boltCursor) load(bk, bv []byte) error {
	if bk == nil {
		c.valid = false
		return nil
	}
	k, err := DecodeKey(bk)
	if err != nil {
		c.valid = false
		return err
	}
	c.k, c.v, c.valid = k, bv, true
	return nil
}

func (c *boltCursor) HasTop() bool {
	return c.valid && !c.closed && !c.rang.AfterEnd(c.k)
}

func (c *boltCursor) Key() Key {
	if !c.HasTop() {
		return Key{}
	}
	return c.k
}

func (c *boltCursor) Value() []byte {
	if !c.HasTop() {
		return nil
	}
	return c.v
}

func (c *boltCursor) DeepCopy() (Cursor, error) {
	if c.closed {
		return nil, ErrClosed
	}
	return c.store.NewCursor()
}

func (c *boltCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.btx.Rollback()
	if errors.Is(err, bbolt.ErrTxClosed) {
		return nil
	}
	return err
}
