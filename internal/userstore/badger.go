package userstore

import (
	"encoding/json"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
)

// key layout: "user:<id>" holds the json record, "uname:<username>" holds
// the id for login lookups. Both are written in one transaction so the
// index can't drift from the records.
const (
	userPrefix  = "user:"
	unamePrefix = "uname:"
)

// BadgerStore is a Store over an embedded badger database.
type BadgerStore struct {
	db *badger.DB
}

// NewBadger opens (creating if needed) the database at path.
func NewBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open user db at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error { return s.db.Close() }

// List returns all users ordered by username.
func (s *BadgerStore) List() ([]User, error) {
	var users []User
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(userPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var u User
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &u) }); err != nil {
				return fmt.Errorf("failed to decode user record: %w", err)
			}
			users = append(users, u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

// Get returns the user with the given id.
func (s *BadgerStore) Get(id string) (User, error) {
	var u User
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userPrefix+id, &u)
	})
	return u, err
}

// GetByUsername looks the id up via the username index, then the record.
func (s *BadgerStore) GetByUsername(username string) (User, error) {
	var u User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(unamePrefix + username))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return fmt.Errorf("failed to read username index: %w", err)
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read username index: %w", err)
		}
		return getJSON(txn, userPrefix+string(id), &u)
	})
	return u, err
}

// Create persists a new user and its username index entry.
func (s *BadgerStore) Create(u User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(unamePrefix + u.Username)); err == nil {
			return ErrExists
		} else if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to check username: %w", err)
		}
		if err := txn.Set([]byte(userPrefix+u.ID), data); err != nil {
			return fmt.Errorf("failed to store user: %w", err)
		}
		if err := txn.Set([]byte(unamePrefix+u.Username), []byte(u.ID)); err != nil {
			return fmt.Errorf("failed to store username index: %w", err)
		}
		return nil
	})
}

// Delete removes the user record and its index entry.
func (s *BadgerStore) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var u User
		if err := getJSON(txn, userPrefix+id, &u); err != nil {
			return err
		}
		if err := txn.Delete([]byte(userPrefix + id)); err != nil {
			return fmt.Errorf("failed to delete user: %w", err)
		}
		if err := txn.Delete([]byte(unamePrefix + u.Username)); err != nil {
			return fmt.Errorf("failed to delete username index: %w", err)
		}
		return nil
	})
}

// DeleteAllExcept removes every user but the given id.
func (s *BadgerStore) DeleteAllExcept(id string) (int, error) {
	users, err := s.List()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, u := range users {
		if u.ID == id {
			continue
		}
		if err := s.Delete(u.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, v); err != nil {
			return fmt.Errorf("failed to decode %s: %w", key, err)
		}
		return nil
	})
}
