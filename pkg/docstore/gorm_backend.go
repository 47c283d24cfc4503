package docstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// DocumentModel is the GORM model for one stored document.
type DocumentModel struct {
	Path      string         `gorm:"primaryKey"`
	Data      datatypes.JSON `gorm:"type:jsonb;not null"`
	Version   int64          `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

var errVersionConflict = errors.New("document version conflict")

// GormBackend stores documents in Postgres. Mutations lock existing rows with
// SELECT ... FOR UPDATE and guard updates with a version check; a concurrent
// insert of the same path surfaces as a duplicate key and is retried.
type GormBackend struct {
	db          *gorm.DB
	maxAttempts int
}

// OpenPostgres opens a GORM handle with the logging and error translation
// every store in this module expects.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return db, nil
}

// NewGormBackend migrates the documents table on db.
func NewGormBackend(db *gorm.DB) (*GormBackend, error) {
	if err := db.AutoMigrate(&DocumentModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormBackend{db: db, maxAttempts: defaultMaxAttempts}, nil
}

// Read loads the document at path.
func (b *GormBackend) Read(ctx context.Context, path string) (Document, bool, error) {
	var model DocumentModel
	if err := b.db.WithContext(ctx).First(&model, "path = ?", path).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	doc, err := decodeDocument(model.Data)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// Apply runs fn inside a database transaction over paths.
func (b *GormBackend) Apply(ctx context.Context, paths []string, fn func(map[string]Document) (Changes, error)) (Changes, error) {
	for attempt := 0; attempt < b.maxAttempts; attempt++ {
		var committed Changes
		err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var rows []DocumentModel
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("path IN ?", paths).Find(&rows).Error; err != nil {
				return fmt.Errorf("lock documents: %w", err)
			}
			cur := make(map[string]Document, len(rows))
			versions := make(map[string]int64, len(rows))
			for _, row := range rows {
				doc, err := decodeDocument(row.Data)
				if err != nil {
					return err
				}
				cur[row.Path] = doc
				versions[row.Path] = row.Version
			}
			changes, err := fn(cur)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			for p, doc := range changes {
				version, exists := versions[p]
				if doc == nil {
					if exists {
						if err := tx.Delete(&DocumentModel{}, "path = ?", p).Error; err != nil {
							return fmt.Errorf("delete %s: %w", p, err)
						}
					}
					continue
				}
				raw, err := encodeDocument(doc)
				if err != nil {
					return err
				}
				if exists {
					res := tx.Model(&DocumentModel{}).
						Where("path = ? AND version = ?", p, version).
						Updates(map[string]any{
							"data":       datatypes.JSON(raw),
							"version":    version + 1,
							"updated_at": now,
						})
					if res.Error != nil {
						return fmt.Errorf("update %s: %w", p, res.Error)
					}
					if res.RowsAffected == 0 {
						return errVersionConflict
					}
					continue
				}
				model := DocumentModel{Path: p, Data: datatypes.JSON(raw), Version: 1, UpdatedAt: now}
				if err := tx.Create(&model).Error; err != nil {
					if errors.Is(err, gorm.ErrDuplicatedKey) {
						return errVersionConflict
					}
					return fmt.Errorf("insert %s: %w", p, err)
				}
			}
			committed = changes
			return nil
		})
		if errors.Is(err, errVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return committed, nil
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrTxConflict, b.maxAttempts)
}

// Close closes the underlying connection pool.
func (b *GormBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
