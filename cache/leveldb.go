package cache

import (
	"bytes"
	"encoding/gob"
	"sort"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const recordPrefix = "r:"

// LevelDBStore keeps gob-encoded records in a leveldb directory.
// It is safe for concurrent use.
type LevelDBStore struct {
	db *leveldb.DB
}

func NewLevelDBStore(path string) (*LevelDBStore, error) {
	if path == "" {
		return nil, errors.New("leveldb store needs a directory")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open leveldb")
	}
	return &LevelDBStore{db: db}, nil
}

func (l *LevelDBStore) Get(key string) (Record, bool, error) {
	b, err := l.db.Get([]byte(recordPrefix+key), nil)
	if err == leveldb.ErrNotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errors.Wrapf(err, "failed to read record %s", key)
	}
	var rec Record
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&rec); err != nil {
		return Record{}, false, errors.Wrapf(err, "failed to decode record %s", key)
	}
	return rec, true, nil
}

func (l *LevelDBStore) Put(rec Record) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return errors.Wrapf(err, "failed to encode record %s", rec.Key)
	}
	return errors.Wrapf(l.db.Put([]byte(recordPrefix+rec.Key), buf.Bytes(), nil), "failed to write record %s", rec.Key)
}

func (l *LevelDBStore) Keys() ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(recordPrefix)), nil)
	defer it.Release()

	keys := make([]string, 0)
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), []byte(recordPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate records")
	}
	sort.Strings(keys)
	return keys, nil
}

func (l *LevelDBStore) Close() error {
	return l.db.Close()
}
