package nvstore

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucket    = "experiments"
	headerKey = "header"
)

func slotKey(i int) []byte { return []byte(fmt.Sprintf("slot/%04d", i)) }

// Bolt keeps the layout in a bbolt file. Each write is its own fsynced
// transaction.
type Bolt struct {
	db       *bolt.DB
	capacity int
}

// OpenBolt opens or creates the store at path.
func OpenBolt(path string, capacity int) (*Bolt, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("nvstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("nvstore: create bucket: %w", err)
	}
	return &Bolt{db: db, capacity: capacity}, nil
}

func (s *Bolt) Capacity() int { return s.capacity }

func (s *Bolt) ReadHeader() (Header, error) {
	var h Header
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucket)).Get([]byte(headerKey))
		if v == nil {
			return ErrNoHeader
		}
		return h.UnmarshalBinary(v)
	})
	return h, err
}

func (s *Bolt) WriteHeader(h Header) error {
	b, _ := h.MarshalBinary()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(headerKey), b)
	})
}

func (s *Bolt) ReadSlot(i int) (Record, error) {
	var r Record
	if err := checkSlot(i, s.capacity); err != nil {
		return r, err
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucket)).Get(slotKey(i))
		if v == nil {
			r = Placeholder(i)
			return nil
		}
		return r.UnmarshalBinary(v)
	})
	return r, err
}

func (s *Bolt) WriteSlot(i int, r Record) error {
	if err := checkSlot(i, s.capacity); err != nil {
		return err
	}
	b, _ := r.MarshalBinary()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put(slotKey(i), b)
	})
}

func (s *Bolt) Reset(h Header) error {
	if int(h.Slots) > s.capacity {
		return fmt.Errorf("%w: %d slots requested", ErrSlot, h.Slots)
	}
	hb, _ := h.MarshalBinary()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if err := b.Put([]byte(headerKey), hb); err != nil {
			return err
		}
		for i := 0; i < int(h.Slots); i++ {
			rb, _ := Placeholder(i).MarshalBinary()
			if err := b.Put(slotKey(i), rb); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Bolt) Close() error { return s.db.Close() }
