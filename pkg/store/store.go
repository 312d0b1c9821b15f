// ------------------------------------------------------
// Linkmark - Crawl Store
// BoltDB persistence for links, marks and cached pages
// ------------------------------------------------------

package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/boltdb/bolt"
	"github.com/golang/snappy"
)

// Bucket and key layout
var (
	bucketLinks = []byte("links") // id -> url, ids dense in catalog order
	bucketState = []byte("state") // mark / visited bitmaps, metadata
	bucketPages = []byte("pages") // url -> snappy compressed body

	keyFollow   = []byte("follow")
	keyNoFollow = []byte("nofollow")
	keyVisited  = []byte("visited")
	keySavedAt  = []byte("saved_at")
)

// Snapshot is the persistent annotation state: the ordered link
// catalog plus id bitmaps for manual marks and visited pages. Bitmap
// ids are positions in Links
type Snapshot struct {
	Links    []string
	Follow   *roaring.Bitmap
	NoFollow *roaring.Bitmap
	Visited  *roaring.Bitmap
	SavedAt  time.Time
}

// NewSnapshot returns an empty snapshot with allocated bitmaps
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Follow:   roaring.New(),
		NoFollow: roaring.New(),
		Visited:  roaring.New(),
	}
}

// Store wraps a bolt database holding crawl state between runs
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path and ensures the bucket
// layout exists
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketLinks, bucketState, bucketPages} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the filesystem path of the database
func (s *Store) Path() string {
	return s.db.Path()
}

// SaveSnapshot replaces the stored link catalog and state bitmaps
func (s *Store) SaveSnapshot(snap *Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// Rewrite the catalog wholesale; ids shift after a prune
		if err := tx.DeleteBucket(bucketLinks); err != nil {
			return fmt.Errorf("reset links bucket: %w", err)
		}
		links, err := tx.CreateBucket(bucketLinks)
		if err != nil {
			return fmt.Errorf("recreate links bucket: %w", err)
		}
		for i, link := range snap.Links {
			if err := links.Put(itob(uint64(i)), []byte(link)); err != nil {
				return err
			}
		}

		state := tx.Bucket(bucketState)
		for _, bm := range []struct {
			key    []byte
			bitmap *roaring.Bitmap
		}{
			{keyFollow, snap.Follow},
			{keyNoFollow, snap.NoFollow},
			{keyVisited, snap.Visited},
		} {
			data, err := bitmapBytes(bm.bitmap)
			if err != nil {
				return fmt.Errorf("serialize %s bitmap: %w", bm.key, err)
			}
			if err := state.Put(bm.key, data); err != nil {
				return err
			}
		}

		now, err := time.Now().UTC().MarshalBinary()
		if err != nil {
			return err
		}
		return state.Put(keySavedAt, now)
	})
}

// LoadSnapshot reads the stored state. A fresh database yields an
// empty snapshot
func (s *Store) LoadSnapshot() (*Snapshot, error) {
	snap := NewSnapshot()
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLinks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			snap.Links = append(snap.Links, string(v))
		}

		state := tx.Bucket(bucketState)
		for _, bm := range []struct {
			key    []byte
			bitmap *roaring.Bitmap
		}{
			{keyFollow, snap.Follow},
			{keyNoFollow, snap.NoFollow},
			{keyVisited, snap.Visited},
		} {
			data := state.Get(bm.key)
			if data == nil {
				continue
			}
			if _, err := bm.bitmap.ReadFrom(bytes.NewReader(data)); err != nil {
				return fmt.Errorf("read %s bitmap: %w", bm.key, err)
			}
		}

		if data := state.Get(keySavedAt); data != nil {
			if err := snap.SavedAt.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("read saved_at: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// PutPage caches a fetched page body, compressed with snappy
func (s *Store) PutPage(url string, body []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPages).Put([]byte(url), snappy.Encode(nil, body))
	})
}

// GetPage returns a cached page body, reporting whether it was present
func (s *Store) GetPage(url string) ([]byte, bool, error) {
	var body []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPages).Get([]byte(url))
		if data == nil {
			return nil
		}
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return fmt.Errorf("decompress page %q: %w", url, err)
		}
		body = decoded
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return body, found, nil
}

// Counts reports how many links and cached pages are stored
func (s *Store) Counts() (links, pages int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		links = tx.Bucket(bucketLinks).Stats().KeyN
		pages = tx.Bucket(bucketPages).Stats().KeyN
		return nil
	})
	return links, pages, err
}

func bitmapBytes(bm *roaring.Bitmap) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := bm.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
