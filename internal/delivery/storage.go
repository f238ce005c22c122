package delivery

import "fmt"

// Channel-scoped key-value storage. Values are opaque bytes echoed back
// unchanged; the broker never inspects them. Authorization is by live
// session: anyone attached to the channel shares its keyspace.

func (s *Service) storageSession(sessionID, key string, keyRequired bool) (channelID string, err error) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return "", ErrSessionNotFound
	}
	sess.Touch()
	if keyRequired && key == "" {
		return "", fmt.Errorf("%w: storage key is required", ErrBadRequest)
	}
	return sess.ChannelID, nil
}

// StoragePut stores value under the caller's channel and key,
// last-write-wins.
func (s *Service) StoragePut(sessionID, key string, value []byte) error {
	channelID, err := s.storageSession(sessionID, key, true)
	if err != nil {
		return err
	}
	if err := s.store.PutStorage(channelID, key, value); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

// StorageGet returns the stored value, or nil when the key is absent.
func (s *Service) StorageGet(sessionID, key string) ([]byte, error) {
	channelID, err := s.storageSession(sessionID, key, true)
	if err != nil {
		return nil, err
	}
	value, err := s.store.GetStorage(channelID, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return value, nil
}

// StorageList returns the channel's keys, optionally restricted to a prefix.
func (s *Service) StorageList(sessionID, prefix string) ([]string, error) {
	channelID, err := s.storageSession(sessionID, "", false)
	if err != nil {
		return nil, err
	}
	keys, err := s.store.ListStorageKeys(channelID, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// StorageDelete removes a key; deleting an absent key is a no-op.
func (s *Service) StorageDelete(sessionID, key string) error {
	channelID, err := s.storageSession(sessionID, key, true)
	if err != nil {
		return err
	}
	if err := s.store.DeleteStorage(channelID, key); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}
