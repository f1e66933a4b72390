package fsbackend

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketLocations = []byte("locations")
	bucketLeases    = []byte("leases")
)

// location records where an envelope currently lives on disk.
type location struct {
	State    int    `json:"state"`
	FileName string `json:"file_name"`
	LeaseID  string `json:"lease_id,omitempty"`
}

type leaseRecord struct {
	Namespace    string `json:"namespace"`
	Queue        string `json:"queue"`
	MessageKey   string `json:"message_key"`
	ConsumerID   string `json:"consumer_id"`
	LeaseUntilMs int64  `json:"lease_until_ms"`
}

func putLocation(tx *bolt.Tx, key string, loc location) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketLocations).Put([]byte(key), data)
}

func getLocation(tx *bolt.Tx, key string) (location, bool, error) {
	raw := tx.Bucket(bucketLocations).Get([]byte(key))
	if raw == nil {
		return location{}, false, nil
	}
	var loc location
	if err := json.Unmarshal(raw, &loc); err != nil {
		return location{}, false, err
	}
	return loc, true, nil
}

func deleteLocation(tx *bolt.Tx, key string) error {
	return tx.Bucket(bucketLocations).Delete([]byte(key))
}

func putLease(tx *bolt.Tx, leaseID string, lr leaseRecord) error {
	data, err := json.Marshal(lr)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketLeases).Put([]byte(leaseID), data)
}

func getLease(tx *bolt.Tx, leaseID string) (leaseRecord, bool, error) {
	raw := tx.Bucket(bucketLeases).Get([]byte(leaseID))
	if raw == nil {
		return leaseRecord{}, false, nil
	}
	var lr leaseRecord
	if err := json.Unmarshal(raw, &lr); err != nil {
		return leaseRecord{}, false, err
	}
	return lr, true, nil
}

func deleteLease(tx *bolt.Tx, leaseID string) error {
	return tx.Bucket(bucketLeases).Delete([]byte(leaseID))
}

// forEachLease invokes fn for every persisted lease in this queue's index.
func (q *queueDir) forEachLease(fn func(leaseID string, lr leaseRecord) error) error {
	return q.idx.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeases).ForEach(func(k, v []byte) error {
			var lr leaseRecord
			if err := json.Unmarshal(v, &lr); err != nil {
				return err
			}
			return fn(string(k), lr)
		})
	})
}
