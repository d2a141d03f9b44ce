package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketNVM     = []byte("nvm")
	bucketHistory = []byte("history")
	bucketNode    = []byte("node")
	keyWords      = []byte("words")
	keyNodeInfo   = []byte("info")
)

// MaxHistory bounds the number of fired-action records kept.
const MaxHistory = 500

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketNVM, bucketHistory, bucketNode} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Read copies len(dst) words starting at offset. Words never written read
// as 0xFFFF, like erased flash.
func (s *BoltStore) Read(offset uint16, dst []uint16) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNVM)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNVM)
		}
		readWords(b.Get(keyWords), offset, dst)
		return nil
	})
}

// Write stores src at offset, growing the region as needed.
func (s *BoltStore) Write(offset uint16, src []uint16) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNVM)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNVM)
		}
		return b.Put(keyWords, writeWords(b.Get(keyWords), offset, src))
	})
}

// ResetNVM erases the whole word region.
func (s *BoltStore) ResetNVM() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNVM)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNVM)
		}
		return b.Delete(keyWords)
	})
}

func (s *BoltStore) AppendHistory(rec *HistoryRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketHistory)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.Seq = seq
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}
		// Drop the oldest records beyond MaxHistory.
		var stale [][]byte
		n := countKeys(b)
		c := b.Cursor()
		for k, _ := c.First(); k != nil && n > MaxHistory; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
			n--
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListHistory returns up to limit of the newest records, oldest first.
// A limit <= 0 returns everything.
func (s *BoltStore) ListHistory(limit int) ([]*HistoryRecord, error) {
	var recs []*HistoryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		if b == nil {
			return nil // no bucket = no history
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(recs) >= limit {
				break
			}
			var rec HistoryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, err
}

func (s *BoltStore) SaveNodeInfo(info *NodeInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNode)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNode)
		}
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return b.Put(keyNodeInfo, data)
	})
}

func (s *BoltStore) GetNodeInfo() (*NodeInfo, error) {
	var info NodeInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNode)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNode)
		}
		data := b.Get(keyNodeInfo)
		if data == nil {
			return fmt.Errorf("node info: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func countKeys(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func seqKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, seq)
}

// readWords decodes words from a little-endian blob; missing words are 0xFFFF.
func readWords(blob []byte, offset uint16, dst []uint16) {
	for i := range dst {
		pos := (int(offset) + i) * 2
		if pos+2 <= len(blob) {
			dst[i] = binary.LittleEndian.Uint16(blob[pos:])
		} else {
			dst[i] = 0xFFFF
		}
	}
}

// writeWords returns a copy of blob with src written at offset.
func writeWords(blob []byte, offset uint16, src []uint16) []byte {
	end := (int(offset) + len(src)) * 2
	out := make([]byte, max(len(blob), end))
	copy(out, blob)
	for i := len(blob); i < len(out); i++ {
		out[i] = 0xFF
	}
	for i, w := range src {
		binary.LittleEndian.PutUint16(out[(int(offset)+i)*2:], w)
	}
	return out
}
