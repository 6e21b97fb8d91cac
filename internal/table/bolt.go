package table

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// boltClient stores items in a single-file bbolt database. Keys are
// pk + NUL + sk, so bbolt's sorted B+tree cursor provides the range scan and
// its single-writer transactions provide conditional-write atomicity. This is
// the zero-configuration backend for single-node deployments.
type boltClient struct {
	db *bbolt.DB
}

var boltBucket = []byte("items")

// NewBolt opens (creating if needed) the bolt database at path.
func NewBolt(path string) (Client, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bolt bucket: %w", err)
	}
	return &boltClient{db: db}, nil
}

func boltKey(pk, sk string) []byte {
	key := make([]byte, 0, len(pk)+1+len(sk))
	key = append(key, pk...)
	key = append(key, 0)
	key = append(key, sk...)
	return key
}

func (b *boltClient) Get(_ context.Context, pk, sk string) (*Item, error) {
	var item *Item
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(boltBucket).Get(boltKey(pk, sk))
		if raw == nil {
			return ErrNotFound
		}
		attrs, err := decodeAttrs(raw)
		if err != nil {
			return err
		}
		item = &Item{PK: pk, SK: sk, Attrs: attrs}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (b *boltClient) Put(_ context.Context, item Item, cond *Cond) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(boltBucket)
		key := boltKey(item.PK, item.SK)

		existing, exists, err := readBoltItem(bkt, key)
		if err != nil {
			return err
		}
		if cond != nil && !cond.eval(existing, exists) {
			return ErrConditionFailed
		}
		raw, err := encodeAttrs(normalizeAttrs(item.Attrs))
		if err != nil {
			return err
		}
		return bkt.Put(key, raw)
	})
}

func (b *boltClient) Update(_ context.Context, pk, sk string, set map[string]any, remove []string, cond *Cond) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(boltBucket)
		key := boltKey(pk, sk)

		attrs, exists, err := readBoltItem(bkt, key)
		if err != nil {
			return err
		}
		if cond != nil && !cond.eval(attrs, exists) {
			return ErrConditionFailed
		}
		if !exists {
			return ErrConditionFailed
		}
		for k, v := range set {
			attrs[k] = normalizeValue(v)
		}
		for _, k := range remove {
			delete(attrs, k)
		}
		raw, err := encodeAttrs(attrs)
		if err != nil {
			return err
		}
		return bkt.Put(key, raw)
	})
}

func (b *boltClient) Delete(_ context.Context, pk, sk string, cond *Cond) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(boltBucket)
		key := boltKey(pk, sk)

		attrs, exists, err := readBoltItem(bkt, key)
		if err != nil {
			return err
		}
		if cond != nil && !cond.eval(attrs, exists) {
			return ErrConditionFailed
		}
		return bkt.Delete(key)
	})
}

func (b *boltClient) Query(_ context.Context, q Query) ([]Item, error) {
	var items []Item
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		prefix := boltKey(q.PK, q.SKMin)

		for k, v := c.Seek(prefix); k != nil; k, v = c.Next() {
			sep := bytes.IndexByte(k, 0)
			if sep < 0 || string(k[:sep]) != q.PK {
				break
			}
			sk := string(k[sep+1:])
			if q.SKMax != "" && sk > q.SKMax {
				break
			}
			attrs, err := decodeAttrs(v)
			if err != nil {
				return err
			}
			items = append(items, Item{PK: q.PK, SK: sk, Attrs: attrs})
			if q.Limit > 0 && len(items) >= q.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (b *boltClient) Close() error { return b.db.Close() }

func readBoltItem(bkt *bbolt.Bucket, key []byte) (map[string]any, bool, error) {
	raw := bkt.Get(key)
	if raw == nil {
		return nil, false, nil
	}
	attrs, err := decodeAttrs(raw)
	if err != nil {
		return nil, false, err
	}
	return attrs, true, nil
}

func encodeAttrs(attrs map[string]any) ([]byte, error) {
	return json.Marshal(attrs)
}

// decodeAttrs restores the string/int64 value set; plain json.Unmarshal would
// hand numbers back as float64.
func decodeAttrs(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var attrs map[string]any
	if err := dec.Decode(&attrs); err != nil {
		return nil, fmt.Errorf("decoding item attributes: %w", err)
	}
	for k, v := range attrs {
		if n, ok := v.(json.Number); ok {
			i, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("decoding numeric attribute %s: %w", k, err)
			}
			attrs[k] = i
		}
	}
	return attrs, nil
}
