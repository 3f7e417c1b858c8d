package restriction

import (
	"context"
	"encoding/json"
	"fmt"

	"discord-restrict/model"
)

// Store persists restriction records. All records of a guild live in one
// value, a JSON object keyed by user id, so every change to a record is a
// single ConfigStore.AtomicUpdate.
type Store struct {
	cfg ConfigStore
	key string
}

func NewStore(cfg ConfigStore, namespace string) *Store {
	return &Store{cfg: cfg, key: namespace + ".restricted"}
}

type guildRecords map[string]*model.RestrictionRecord

func decodeRecords(raw []byte) (guildRecords, error) {
	recs := guildRecords{}
	if len(raw) == 0 {
		return recs, nil
	}
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, fmt.Errorf("failed to decode restriction records: %w", err)
	}
	return recs, nil
}

func encodeRecords(recs guildRecords) ([]byte, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	return json.Marshal(recs)
}

// Get returns the subject's record, or nil when it is not restricted.
func (s *Store) Get(ctx context.Context, subject model.Subject) (*model.RestrictionRecord, error) {
	raw, err := s.cfg.Get(ctx, model.GuildScope(subject.GuildID), s.key)
	if err != nil {
		return nil, err
	}
	recs, err := decodeRecords(raw)
	if err != nil {
		return nil, err
	}
	return recs[subject.UserID], nil
}

// Update runs fn on the subject's current record (nil when absent) and stores
// what it returns. A nil result leaves the stored state untouched. Update
// returns the record that is stored afterwards.
func (s *Store) Update(ctx context.Context, subject model.Subject, fn func(cur *model.RestrictionRecord) (*model.RestrictionRecord, error)) (*model.RestrictionRecord, error) {
	var stored *model.RestrictionRecord
	err := s.cfg.AtomicUpdate(ctx, model.GuildScope(subject.GuildID), s.key, func(raw []byte) ([]byte, error) {
		recs, err := decodeRecords(raw)
		if err != nil {
			return nil, err
		}
		cur := recs[subject.UserID]
		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		if next == nil {
			stored = cur
			return raw, nil
		}
		recs[subject.UserID] = next
		stored = next
		return encodeRecords(recs)
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Delete removes the subject's record and returns it, or nil when there was
// none. Of two concurrent deletes exactly one sees the record.
func (s *Store) Delete(ctx context.Context, subject model.Subject) (*model.RestrictionRecord, error) {
	var removed *model.RestrictionRecord
	err := s.cfg.AtomicUpdate(ctx, model.GuildScope(subject.GuildID), s.key, func(raw []byte) ([]byte, error) {
		recs, err := decodeRecords(raw)
		if err != nil {
			return nil, err
		}
		rec, ok := recs[subject.UserID]
		if !ok {
			return raw, nil
		}
		removed = rec
		delete(recs, subject.UserID)
		return encodeRecords(recs)
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Guild returns every record of a guild keyed by user id.
func (s *Store) Guild(ctx context.Context, guildID string) (map[string]*model.RestrictionRecord, error) {
	raw, err := s.cfg.Get(ctx, model.GuildScope(guildID), s.key)
	if err != nil {
		return nil, err
	}
	return decodeRecords(raw)
}

// All returns every record in every guild.
func (s *Store) All(ctx context.Context) (map[model.Subject]*model.RestrictionRecord, error) {
	scopes, err := s.cfg.Scopes(ctx, s.key)
	if err != nil {
		return nil, err
	}
	all := make(map[model.Subject]*model.RestrictionRecord)
	for _, scope := range scopes {
		if scope.RoleID != "" {
			continue
		}
		recs, err := s.Guild(ctx, scope.GuildID)
		if err != nil {
			return nil, fmt.Errorf("guild %s: %w", scope.GuildID, err)
		}
		for userID, rec := range recs {
			all[model.Subject{GuildID: scope.GuildID, UserID: userID}] = rec
		}
	}
	return all, nil
}
