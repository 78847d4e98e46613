package boltdb

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/keyvaluedb"
)

const (
	// all the data of the DB lives in single bucket, use separate files for separate data sets
	defaultBucket = "default"
	// how long to wait for the file lock held by another process
	defaultOpenTimeout = 3 * time.Second
)

type (
	EncodeFn func(v any) ([]byte, error)
	DecodeFn func(data []byte, v any) error

	// BoltDB is keyvaluedb.KeyValueDB backed by a bbolt file, values are CBOR encoded by default.
	BoltDB struct {
		db     *bolt.DB
		bucket []byte
		enc    EncodeFn
		dec    DecodeFn
	}

	Option func(*options)

	options struct {
		bucket  string
		timeout time.Duration
		enc     EncodeFn
		dec     DecodeFn
	}
)

var _ keyvaluedb.KeyValueDB = (*BoltDB)(nil)

// WithBucket sets the name of the bucket the data is stored in.
func WithBucket(name string) Option {
	return func(o *options) { o.bucket = name }
}

// WithCodec sets the value encoder and decoder.
func WithCodec(enc EncodeFn, dec DecodeFn) Option {
	return func(o *options) {
		o.enc = enc
		o.dec = dec
	}
}

func WithOpenTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// New opens the Bolt DB file, the file is created when it doesn't exist.
func New(dbFile string, opts ...Option) (*BoltDB, error) {
	o := &options{bucket: defaultBucket, timeout: defaultOpenTimeout, enc: cbor.Marshal, dec: cbor.Unmarshal}
	for _, opt := range opts {
		opt(o)
	}
	if o.bucket == "" {
		return nil, errors.New("bucket name is empty")
	}

	db, err := bolt.Open(dbFile, 0600, &bolt.Options{Timeout: o.timeout})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	bdb := &BoltDB{db: db, bucket: []byte(o.bucket), enc: o.enc, dec: o.dec}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bdb.bucket)
		return err
	}); err != nil {
		return nil, errors.Join(fmt.Errorf("creating bucket: %w", err), db.Close())
	}
	return bdb, nil
}

func (db *BoltDB) Path() string {
	return db.db.Path()
}

func (db *BoltDB) Read(key []byte, v any) (found bool, err error) {
	err = db.db.View(func(tx *bolt.Tx) error {
		found, err = db.wrap(tx).Read(key, v)
		return err
	})
	if err != nil {
		return found, fmt.Errorf("bolt db read: %w", err)
	}
	return found, nil
}

func (db *BoltDB) Write(key []byte, v any) error {
	if err := db.db.Update(func(tx *bolt.Tx) error { return db.wrap(tx).Write(key, v) }); err != nil {
		return fmt.Errorf("bolt db write: %w", err)
	}
	return nil
}

func (db *BoltDB) Delete(key []byte) error {
	if err := db.db.Update(func(tx *bolt.Tx) error { return db.wrap(tx).Delete(key) }); err != nil {
		return fmt.Errorf("bolt db delete: %w", err)
	}
	return nil
}

func (db *BoltDB) First() keyvaluedb.Iterator {
	it := NewIterator(db.db, db.bucket, db.dec)
	it.first()
	return it
}

func (db *BoltDB) Last() keyvaluedb.Iterator {
	it := NewIterator(db.db, db.bucket, db.dec)
	it.last()
	return it
}

func (db *BoltDB) Find(key []byte) keyvaluedb.Iterator {
	it := NewIterator(db.db, db.bucket, db.dec)
	it.seek(key)
	return it
}

/*
StartTx begins read-write transaction. Bolt allows one writer at a time so
the call blocks while another transaction is open.
*/
func (db *BoltDB) StartTx() (keyvaluedb.DBTransaction, error) {
	tx, err := db.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("starting bolt tx: %w", err)
	}
	return db.wrap(tx), nil
}

func (db *BoltDB) Close() error {
	if db.db == nil {
		return nil
	}
	return db.db.Close()
}

func (db *BoltDB) wrap(tx *bolt.Tx) *Tx {
	return &Tx{tx: tx, b: tx.Bucket(db.bucket), enc: db.enc, dec: db.dec}
}
