// Package persist stores zones, their change journals and replica master
// descriptors in a bbolt database so a node restarts with its last state.
package persist

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/rr-authd/internal/dns/common/utils"
	"github.com/haukened/rr-authd/internal/dns/domain"
)

var (
	bucketZones   = []byte("zones")
	bucketJournal = []byte("journal")
	bucketMasters = []byte("masters")
	bucketSynced  = []byte("synced")
)

// Store is a bbolt-backed persister.
type Store struct {
	db        *bbolt.DB
	retention int
}

// LoadedZone is a zone read back from disk with its retained history.
type LoadedZone struct {
	Zone  *domain.Zone
	Diffs []domain.Diff
}

type zoneDoc struct {
	Name       string         `json:"name"`
	DefaultTTL uint32         `json:"default_ttl"`
	SOA        domain.SOA     `json:"soa"`
	RRSets     []domain.RRSet `json:"rrsets"`
}

// Open opens (or creates) a Bolt database at path and ensures buckets exist.
// At most retention journal entries are kept per zone.
func Open(path string, retention int) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketZones, bucketJournal, bucketMasters, bucketSynced} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if retention <= 0 {
		retention = 1
	}
	return &Store{db: db, retention: retention}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Commit writes the zone version and, when d is non-nil, its journal entry
// in a single transaction.
func (s *Store) Commit(z *domain.Zone, d *domain.Diff) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putZone(tx, z); err != nil {
			return err
		}
		if d == nil {
			return nil
		}
		return s.appendDiff(tx, z.Key(), *d)
	})
}

// Replace writes the zone version and drops its journal.
func (s *Store) Replace(z *domain.Zone) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putZone(tx, z); err != nil {
			return err
		}
		return dropJournal(tx, z.Key())
	})
}

// Delete removes a zone and its journal.
func (s *Store) Delete(zone string) error {
	key := utils.CanonicalDNSName(zone)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketZones).Delete([]byte(key)); err != nil {
			return err
		}
		return dropJournal(tx, key)
	})
}

// Load returns every stored zone with its journal in append order.
func (s *Store) Load() ([]LoadedZone, error) {
	var out []LoadedZone
	err := s.db.View(func(tx *bbolt.Tx) error {
		jb := tx.Bucket(bucketJournal)
		return tx.Bucket(bucketZones).ForEach(func(k, v []byte) error {
			var doc zoneDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("decode zone %s: %w", k, err)
			}
			z := domain.NewZone(doc.Name, doc.DefaultTTL, doc.SOA)
			for _, set := range doc.RRSets {
				if err := z.Put(set); err != nil {
					return fmt.Errorf("decode zone %s: %w", k, err)
				}
			}
			lz := LoadedZone{Zone: z}
			if zb := jb.Bucket(k); zb != nil {
				err := zb.ForEach(func(_, dv []byte) error {
					var d domain.Diff
					if err := json.Unmarshal(dv, &d); err != nil {
						return fmt.Errorf("decode journal %s: %w", k, err)
					}
					lz.Diffs = append(lz.Diffs, d)
					return nil
				})
				if err != nil {
					return err
				}
			}
			out = append(out, lz)
			return nil
		})
	})
	return out, err
}

// SaveMaster stores the replication descriptor of a replica zone.
func (s *Store) SaveMaster(cfg domain.MasterConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMasters).Put([]byte(utils.CanonicalDNSName(cfg.Zone)), data)
	})
}

// DeleteMaster removes a replication descriptor and its sync time.
func (s *Store) DeleteMaster(zone string) error {
	key := []byte(utils.CanonicalDNSName(zone))
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketMasters).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketSynced).Delete(key)
	})
}

// SaveSynced records when a replica zone last synced with its master.
func (s *Store) SaveSynced(zone string, at time.Time) error {
	data, err := at.UTC().MarshalBinary()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSynced).Put([]byte(utils.CanonicalDNSName(zone)), data)
	})
}

// LastSynced returns the last recorded sync of zone, or the zero time.
func (s *Store) LastSynced(zone string) (time.Time, error) {
	var at time.Time
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSynced).Get([]byte(utils.CanonicalDNSName(zone)))
		if data == nil {
			return nil
		}
		if err := at.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("decode sync time %s: %w", zone, err)
		}
		return nil
	})
	return at, err
}

// LoadMasters returns every stored replication descriptor.
func (s *Store) LoadMasters() ([]domain.MasterConfig, error) {
	var out []domain.MasterConfig
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMasters).ForEach(func(k, v []byte) error {
			var cfg domain.MasterConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return fmt.Errorf("decode master %s: %w", k, err)
			}
			out = append(out, cfg)
			return nil
		})
	})
	return out, err
}

func putZone(tx *bbolt.Tx, z *domain.Zone) error {
	data, err := json.Marshal(zoneDoc{
		Name:       z.Name(),
		DefaultTTL: z.DefaultTTL(),
		SOA:        z.SOA(),
		RRSets:     z.RRSets(),
	})
	if err != nil {
		return err
	}
	return tx.Bucket(bucketZones).Put([]byte(z.Key()), data)
}

func dropJournal(tx *bbolt.Tx, key string) error {
	jb := tx.Bucket(bucketJournal)
	if jb.Bucket([]byte(key)) == nil {
		return nil
	}
	return jb.DeleteBucket([]byte(key))
}

// appendDiff keys entries by bucket sequence so that order survives serial
// wrap-around. A diff that does not continue the chain restarts it.
func (s *Store) appendDiff(tx *bbolt.Tx, key string, d domain.Diff) error {
	jb := tx.Bucket(bucketJournal)
	zb, err := jb.CreateBucketIfNotExists([]byte(key))
	if err != nil {
		return err
	}
	if _, last := zb.Cursor().Last(); last != nil {
		var prev domain.Diff
		if err := json.Unmarshal(last, &prev); err != nil || prev.ToSerial != d.FromSerial {
			if err := jb.DeleteBucket([]byte(key)); err != nil {
				return err
			}
			if zb, err = jb.CreateBucket([]byte(key)); err != nil {
				return err
			}
		}
	}
	seq, err := zb.NextSequence()
	if err != nil {
		return err
	}
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	if err := zb.Put(k[:], data); err != nil {
		return err
	}
	return s.prune(zb)
}

func (s *Store) prune(zb *bbolt.Bucket) error {
	var keys [][]byte
	err := zb.ForEach(func(k, _ []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	})
	if err != nil {
		return err
	}
	for len(keys) > s.retention {
		if err := zb.Delete(keys[0]); err != nil {
			return err
		}
		keys = keys[1:]
	}
	return nil
}
