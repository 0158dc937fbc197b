package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type credentialRow struct {
	UserID       string `gorm:"primaryKey"`
	AccessToken  string `gorm:"not null"`
	RefreshToken string `gorm:"not null"`
	UpdatedAt    time.Time
}

func (credentialRow) TableName() string { return "credentials" }

type prefsRow struct {
	UserID      string `gorm:"primaryKey"`
	DisplayName string
}

func (prefsRow) TableName() string { return "user_prefs" }

// SQLStore implements Store on top of gorm.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQL opens a sqlite or postgres database and migrates the schema.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, errors.Newf("unsupported sql driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	return NewSQLStore(db)
}

// NewSQLStore wraps an existing connection.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&credentialRow{}, &prefsRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate")
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) GetCredential(ctx context.Context, userID string) (*Credential, error) {
	var row credentialRow
	err := s.db.WithContext(ctx).First(&row, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get credential %s", userID)
	}
	return &Credential{UserID: row.UserID, AccessToken: row.AccessToken, RefreshToken: row.RefreshToken}, nil
}

func (s *SQLStore) SaveCredential(ctx context.Context, cred Credential) error {
	row := credentialRow{UserID: cred.UserID, AccessToken: cred.AccessToken, RefreshToken: cred.RefreshToken}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token", "updated_at"}),
	}).Create(&row).Error
}

func (s *SQLStore) UpdateAccessToken(ctx context.Context, userID, accessToken string) error {
	res := s.db.WithContext(ctx).Model(&credentialRow{}).
		Where("user_id = ?", userID).
		Update("access_token", accessToken)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update access token %s", userID)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) DeleteCredential(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Delete(&credentialRow{}, "user_id = ?", userID).Error
}

func (s *SQLStore) GetDisplayName(ctx context.Context, userID string) (string, error) {
	var row prefsRow
	err := s.db.WithContext(ctx).First(&row, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && row.DisplayName == "") {
		return DefaultDisplayName, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "get display name %s", userID)
	}
	return row.DisplayName, nil
}

func (s *SQLStore) SetDisplayName(ctx context.Context, userID, name string) error {
	row := prefsRow{UserID: userID, DisplayName: name}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name"}),
	}).Create(&row).Error
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
