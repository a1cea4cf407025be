package sqlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/groupcord/backend/model"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrUsernameTaken = errors.New("username already exists")
	ErrQuestionTaken = errors.New("security question already set")
)

// RoomMember links a username to a room. The composite unique index is
// what prevents duplicate room membership.
type RoomMember struct {
	ID       uint   `gorm:"primarykey"`
	RoomID   int    `gorm:"uniqueIndex:idx_room_user;not null"`
	Username string `gorm:"uniqueIndex:idx_room_user;size:100;not null"`
}

// GroupMember links a username to a group.
type GroupMember struct {
	ID       uint   `gorm:"primarykey"`
	GroupID  int    `gorm:"uniqueIndex:idx_group_user;not null"`
	Username string `gorm:"uniqueIndex:idx_group_user;size:100;not null"`
}

// Store wraps the relational database behind the collaborator interfaces
// the core consumes: message append/fetch, membership CRUD, user accounts
// and signed-export records.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewStore opens (or creates) the sqlite database at path and migrates the
// schema. Use ":memory:" for an ephemeral database.
func NewStore(path string, zlog *zerolog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.AutoMigrate(
		&model.Message{},
		&model.User{},
		&model.Room{},
		&model.Group{},
		&model.ExportRecord{},
		&model.SecurityQuestion{},
		&RoomMember{},
		&GroupMember{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	s := &Store{
		db:     db,
		logger: zlog.With().Str("component", "store").Logger(),
	}
	s.logger.Info().Str("path", path).Msg("database opened and migrated")
	return s, nil
}

// AppendMessage persists msg and returns the stored representation with
// the server-assigned id.
func (s *Store) AppendMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	stored := *msg
	stored.ID = 0
	if err := s.db.WithContext(ctx).Create(&stored).Error; err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return &stored, nil
}

// MessagesByRoom returns the room's messages in insertion order.
func (s *Store) MessagesByRoom(ctx context.Context, roomID int) ([]model.Message, error) {
	var messages []model.Message
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("id asc").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return messages, nil
}

// CreateUser registers a new account with an already-hashed password.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash, authority string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.User{}).
		Where("username = ?", username).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check username: %w", err)
	}
	if count > 0 {
		return ErrUsernameTaken
	}
	user := model.User{
		Username:     username,
		PasswordHash: passwordHash,
		Authority:    authority,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).First(&user, "username = ?", username).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &user, nil
}

// UpdateUserPassword replaces the stored password hash.
func (s *Store) UpdateUserPassword(ctx context.Context, username, passwordHash string) error {
	res := s.db.WithContext(ctx).Model(&model.User{}).
		Where("username = ?", username).
		Update("password_hash", passwordHash)
	if res.Error != nil {
		return fmt.Errorf("failed to update password: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateUserDetails replaces the account's profile fields.
func (s *Store) UpdateUserDetails(ctx context.Context, username, birthday, interests string) error {
	res := s.db.WithContext(ctx).Model(&model.User{}).
		Where("username = ?", username).
		Updates(map[string]any{"birthday": birthday, "interests": interests})
	if res.Error != nil {
		return fmt.Errorf("failed to update user details: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSecurityQuestion sets the user's recovery question. A user has at
// most one; setting a second fails.
func (s *Store) CreateSecurityQuestion(ctx context.Context, question *model.SecurityQuestion) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.SecurityQuestion{}).
		Where("username = ?", question.Username).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check security question: %w", err)
	}
	if count > 0 {
		return ErrQuestionTaken
	}
	if err := s.db.WithContext(ctx).Create(question).Error; err != nil {
		return fmt.Errorf("failed to create security question: %w", err)
	}
	return nil
}

// UpdateSecurityQuestion replaces the user's recovery question and answer.
func (s *Store) UpdateSecurityQuestion(ctx context.Context, question *model.SecurityQuestion) error {
	res := s.db.WithContext(ctx).Model(&model.SecurityQuestion{}).
		Where("username = ?", question.Username).
		Updates(map[string]any{
			"question":    question.Question,
			"answer_hash": question.AnswerHash,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update security question: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SecurityQuestionByUsername(ctx context.Context, username string) (*model.SecurityQuestion, error) {
	var question model.SecurityQuestion
	err := s.db.WithContext(ctx).First(&question, "username = ?", username).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find security question: %w", err)
	}
	return &question, nil
}

// AddUserToRoom records room membership. Adding an existing member is a
// no-op thanks to the unique index.
func (s *Store) AddUserToRoom(ctx context.Context, roomID int, username string) error {
	member := RoomMember{RoomID: roomID, Username: username}
	err := s.db.WithContext(ctx).
		Where(&RoomMember{RoomID: roomID, Username: username}).
		FirstOrCreate(&member).Error
	if err != nil {
		return fmt.Errorf("failed to add room member: %w", err)
	}
	return nil
}

func (s *Store) RemoveUserFromRoom(ctx context.Context, roomID int, username string) error {
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND username = ?", roomID, username).
		Delete(&RoomMember{}).Error
	if err != nil {
		return fmt.Errorf("failed to remove room member: %w", err)
	}
	return nil
}

func (s *Store) RoomMembers(ctx context.Context, roomID int) ([]string, error) {
	var usernames []string
	err := s.db.WithContext(ctx).Model(&RoomMember{}).
		Where("room_id = ?", roomID).
		Order("username asc").
		Pluck("username", &usernames).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list room members: %w", err)
	}
	return usernames, nil
}

func (s *Store) AddUserToGroup(ctx context.Context, groupID int, username string) error {
	member := GroupMember{GroupID: groupID, Username: username}
	err := s.db.WithContext(ctx).
		Where(&GroupMember{GroupID: groupID, Username: username}).
		FirstOrCreate(&member).Error
	if err != nil {
		return fmt.Errorf("failed to add group member: %w", err)
	}
	return nil
}

func (s *Store) RemoveUserFromGroup(ctx context.Context, groupID int, username string) error {
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND username = ?", groupID, username).
		Delete(&GroupMember{}).Error
	if err != nil {
		return fmt.Errorf("failed to remove group member: %w", err)
	}
	return nil
}

func (s *Store) GroupMembers(ctx context.Context, groupID int) ([]string, error) {
	var usernames []string
	err := s.db.WithContext(ctx).Model(&GroupMember{}).
		Where("group_id = ?", groupID).
		Order("username asc").
		Pluck("username", &usernames).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", err)
	}
	return usernames, nil
}

func (s *Store) RoomsByGroup(ctx context.Context, groupID int) ([]model.Room, error) {
	var rooms []model.Room
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("id asc").
		Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return rooms, nil
}

// SaveExport stores the archive record. Re-signing the same
// (username, fileName) replaces the previous record in place, so
// fetch-by-name always sees the latest signature.
func (s *Store) SaveExport(ctx context.Context, record *model.ExportRecord) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}, {Name: "file_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "public_key", "signature"}),
	}).Create(record).Error
	if err != nil {
		return fmt.Errorf("failed to save export: %w", err)
	}
	return nil
}

func (s *Store) ExportByUsernameAndFile(ctx context.Context, username, fileName string) (*model.ExportRecord, error) {
	var record model.ExportRecord
	err := s.db.WithContext(ctx).
		First(&record, "username = ? AND file_name = ?", username, fileName).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find export: %w", err)
	}
	return &record, nil
}

func (s *Store) ExportsByUsername(ctx context.Context, username string) ([]model.ExportRecord, error) {
	var records []model.ExportRecord
	err := s.db.WithContext(ctx).
		Where("username = ?", username).
		Order("id asc").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list exports: %w", err)
	}
	return records, nil
}
