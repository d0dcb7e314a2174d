// Package sqlite keeps game records in a SQLite file through gorm.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/brenelz/pictionary/internal/game"
)

type session struct {
	ID          string `gorm:"primaryKey;size:64"`
	Word        string `gorm:"size:128"`
	Drawing     string `gorm:"not null"`
	Players     string `gorm:"not null"`
	DrawerIndex int    `gorm:"not null;default:0"`
	Round       uint64 `gorm:"not null;default:0"`
	Version     uint64 `gorm:"not null;default:0"`
	UpdatedAt   time.Time
}

type message struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"index:idx_messages_session;size:64;not null"`
	Author    string `gorm:"size:320;not null"`
	Text      string `gorm:"not null"`
	Outcome   string `gorm:"size:16;not null"`
	CreatedAt time.Time
}

type profile struct {
	ID        string `gorm:"primaryKey;size:36"`
	Handle    string `gorm:"uniqueIndex;size:320;not null"`
	Score     int    `gorm:"not null;default:0;index"`
	CreatedAt time.Time
}

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open creates the database file if needed and migrates the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer keeps SQLite from returning SQLITE_BUSY under contention
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := db.AutoMigrate(&session{}, &message{}, &profile{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Create(ctx context.Context, sessionID string) (game.GameState, error) {
	row, err := toRow(game.NewGameState(sessionID))
	if err != nil {
		return game.GameState{}, err
	}
	row.UpdatedAt = s.now().UTC()

	db := s.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return game.GameState{}, fmt.Errorf("create session: %w", err)
	}
	return s.Read(ctx, sessionID)
}

func (s *Store) Read(ctx context.Context, sessionID string) (game.GameState, error) {
	var row session
	err := s.db.WithContext(ctx).First(&row, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return game.GameState{}, game.NotFound("read session", "session %s", sessionID)
	}
	if err != nil {
		return game.GameState{}, fmt.Errorf("read session: %w", err)
	}
	return fromRow(row)
}

// Apply is a compare-and-swap on the version column. The score credit, when
// present, is written in the same transaction.
func (s *Store) Apply(ctx context.Context, sessionID string, observed uint64, u game.Update) (game.GameState, error) {
	next := u.State.Clone()
	next.SessionID = sessionID
	next.Version = observed + 1
	next.UpdatedAt = s.now().UTC()

	row, err := toRow(next)
	if err != nil {
		return game.GameState{}, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&session{}).
			Where("id = ? AND version = ?", sessionID, observed).
			Updates(map[string]any{
				"word":         row.Word,
				"drawing":      row.Drawing,
				"players":      row.Players,
				"drawer_index": row.DrawerIndex,
				"round":        row.Round,
				"version":      row.Version,
				"updated_at":   row.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var live session
			err := tx.Select("version").First(&live, "id = ?", sessionID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return game.NotFound("apply", "session %s", sessionID)
			}
			if err != nil {
				return err
			}
			return game.Conflict("apply", observed)
		}

		if u.Credit != nil {
			if _, err := credit(tx, u.Credit.Player, u.Credit.Delta); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return game.GameState{}, err
	}
	return next, nil
}

func (s *Store) AppendMessage(ctx context.Context, m game.Message) (game.Message, error) {
	row := message{
		SessionID: m.SessionID,
		Author:    m.Author,
		Text:      m.Text,
		Outcome:   string(m.Outcome),
		CreatedAt: m.Timestamp,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return game.Message{}, fmt.Errorf("append message: %w", err)
	}
	m.ID = row.ID
	return m, nil
}

func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]game.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}

	out := make([]game.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, game.Message{
			ID:        r.ID,
			SessionID: r.SessionID,
			Author:    r.Author,
			Text:      r.Text,
			Outcome:   game.Outcome(r.Outcome),
			Timestamp: r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func (s *Store) EnsureProfile(ctx context.Context, handle string) (game.PlayerProfile, error) {
	db := s.db.WithContext(ctx)
	row := profile{ID: uuid.NewString(), Handle: handle}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "handle"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return game.PlayerProfile{}, fmt.Errorf("ensure profile: %w", err)
	}
	return s.Profile(ctx, handle)
}

func (s *Store) Profile(ctx context.Context, handle string) (game.PlayerProfile, error) {
	var row profile
	err := s.db.WithContext(ctx).First(&row, "handle = ?", handle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return game.PlayerProfile{}, game.NotFound("profile", "player %s", handle)
	}
	if err != nil {
		return game.PlayerProfile{}, fmt.Errorf("profile: %w", err)
	}
	return toProfile(row), nil
}

func (s *Store) Credit(ctx context.Context, handle string, delta int) (game.PlayerProfile, error) {
	var p game.PlayerProfile
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		p, err = credit(tx, handle, delta)
		return err
	})
	return p, err
}

func (s *Store) Ranked(ctx context.Context, limit int) ([]game.PlayerProfile, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []profile
	err := s.db.WithContext(ctx).Order("score desc, handle asc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ranked: %w", err)
	}
	out := make([]game.PlayerProfile, 0, len(rows))
	for _, r := range rows {
		out = append(out, toProfile(r))
	}
	return out, nil
}

func credit(tx *gorm.DB, handle string, delta int) (game.PlayerProfile, error) {
	row := profile{ID: uuid.NewString(), Handle: handle, Score: delta}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "handle"}},
		DoUpdates: clause.Assignments(map[string]any{"score": gorm.Expr("score + ?", delta)}),
	}).Create(&row).Error
	if err != nil {
		return game.PlayerProfile{}, fmt.Errorf("credit %s: %w", handle, err)
	}

	var out profile
	if err := tx.First(&out, "handle = ?", handle).Error; err != nil {
		return game.PlayerProfile{}, fmt.Errorf("credit %s: %w", handle, err)
	}
	return toProfile(out), nil
}

func toRow(s game.GameState) (session, error) {
	drawing, err := json.Marshal(s.Drawing)
	if err != nil {
		return session{}, fmt.Errorf("encode drawing: %w", err)
	}
	players, err := json.Marshal(s.Players)
	if err != nil {
		return session{}, fmt.Errorf("encode players: %w", err)
	}
	return session{
		ID:          s.SessionID,
		Word:        s.Word,
		Drawing:     string(drawing),
		Players:     string(players),
		DrawerIndex: s.DrawerIndex,
		Round:       s.Round,
		Version:     s.Version,
		UpdatedAt:   s.UpdatedAt,
	}, nil
}

func fromRow(r session) (game.GameState, error) {
	s := game.NewGameState(r.ID)
	if err := json.Unmarshal([]byte(r.Drawing), &s.Drawing); err != nil {
		return game.GameState{}, fmt.Errorf("decode drawing: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Players), &s.Players); err != nil {
		return game.GameState{}, fmt.Errorf("decode players: %w", err)
	}
	if s.Drawing == nil {
		s.Drawing = []json.RawMessage{}
	}
	if s.Players == nil {
		s.Players = []string{}
	}
	s.Word = r.Word
	s.DrawerIndex = r.DrawerIndex
	s.Round = r.Round
	s.Version = r.Version
	s.UpdatedAt = r.UpdatedAt.UTC()
	return s, nil
}

func toProfile(r profile) game.PlayerProfile {
	return game.PlayerProfile{ID: r.ID, Handle: r.Handle, Score: r.Score}
}
