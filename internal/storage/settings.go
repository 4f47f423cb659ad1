package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"crmnotify/internal/crm"
)

const settingsKey = "notifications"

func (s *SQLStore) EnsureSettings(ctx context.Context) error {
	b, err := json.Marshal(crm.DefaultSettings())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO settings(key, value, updated_at) VALUES(?,?,?) ON CONFLICT(key) DO NOTHING`),
		settingsKey, string(b), s.now().UnixMilli(),
	)
	return err
}

func (s *SQLStore) GetSettings(ctx context.Context) (crm.NotificationSettings, error) {
	return s.loadSettings(ctx, s.db, "")
}

func (s *SQLStore) loadSettings(ctx context.Context, q querier, suffix string) (crm.NotificationSettings, error) {
	var raw string
	err := q.QueryRowContext(ctx, s.q(`SELECT value FROM settings WHERE key = ?`+suffix), settingsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return crm.NotificationSettings{}, ErrNotFound
	}
	if err != nil {
		return crm.NotificationSettings{}, err
	}
	var out crm.NotificationSettings
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return crm.NotificationSettings{}, fmt.Errorf("decode settings: %w", err)
	}
	return out, nil
}

// UpdateSettings applies p under a row lock and returns the stored result.
func (s *SQLStore) UpdateSettings(ctx context.Context, p crm.SettingsPatch) (crm.NotificationSettings, error) {
	var out crm.NotificationSettings
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.loadSettings(ctx, tx, s.forUpdate())
		if errors.Is(err, ErrNotFound) {
			cur = crm.DefaultSettings()
			err = nil
		}
		if err != nil {
			return err
		}
		out = p.Apply(cur)
		b, err := json.Marshal(out)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			s.q(`INSERT INTO settings(key, value, updated_at) VALUES(?,?,?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
			settingsKey, string(b), s.now().UnixMilli(),
		)
		return err
	})
	if err != nil {
		return crm.NotificationSettings{}, err
	}
	s.log.Debug("settings updated")
	return out, nil
}
