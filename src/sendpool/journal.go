package sendpool

import (
	"bytes"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/ugorji/go/codec"
)

// Journal statuses.
const (
	StatusSent   = "sent"
	StatusRooted = "rooted"
)

// Record is the persisted trace of one relayed transaction.
type Record struct {
	Signature   string
	Blockhash   string
	Status      string
	SubmittedAt int64
}

// Journal is a persistent trace of every transaction the relay has
// forwarded. It survives restarts, so a resubmitted transaction that already
// landed is recognised instead of being relayed twice.
type Journal struct {
	db *badger.DB
}

// NewJournal opens, or creates, the journal database at path.
func NewJournal(path string) (*Journal, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &Journal{db: handle}, nil
}

// Record traces a forwarded transaction.
func (j *Journal) Record(sig string, blockhash string) error {
	rec := Record{
		Signature:   sig,
		Blockhash:   blockhash,
		Status:      StatusSent,
		SubmittedAt: time.Now().Unix(),
	}

	raw, err := marshalRecord(&rec)
	if err != nil {
		return err
	}

	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sig), raw)
	})
}

// MarkRooted upgrades a traced transaction to rooted. Unknown signatures are
// ignored; the chain roots plenty of transactions we never relayed.
func (j *Journal) MarkRooted(sig string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sig))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		rec := Record{}
		err = item.Value(func(val []byte) error {
			return unmarshalRecord(val, &rec)
		})
		if err != nil {
			return err
		}

		rec.Status = StatusRooted

		raw, err := marshalRecord(&rec)
		if err != nil {
			return err
		}

		return txn.Set([]byte(sig), raw)
	})
}

// Get returns the record for a signature, or ok=false.
func (j *Journal) Get(sig string) (Record, bool, error) {
	rec := Record{}
	found := false

	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sig))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return unmarshalRecord(val, &rec)
		})
	})

	return rec, found, err
}

// Has reports whether a signature was ever traced.
func (j *Journal) Has(sig string) (bool, error) {
	_, found, err := j.Get(sig)
	return found, err
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func marshalRecord(rec *Record) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(rec); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func unmarshalRecord(data []byte, rec *Record) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(rec)
}
