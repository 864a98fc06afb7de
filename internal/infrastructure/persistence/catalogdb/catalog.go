// Package catalogdb reads the course catalog straight from the platform's
// courses and lessons tables through gorm. The engine never writes to them.
package catalogdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/coursehub/progress-engine/internal/domain/catalog"
	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// CourseModel maps the courses table.
type CourseModel struct {
	ID         string          `gorm:"column:id;primaryKey"`
	Title      string          `gorm:"column:title;not null"`
	Price      decimal.Decimal `gorm:"column:price;type:numeric(12,2);not null;default:0"`
	Currency   string          `gorm:"column:currency;size:3;not null"`
	AccessDays int             `gorm:"column:access_days;not null;default:0"`
	Published  bool            `gorm:"column:published;not null;default:true"`
	Lessons    []LessonModel   `gorm:"foreignKey:CourseID"`
}

func (CourseModel) TableName() string { return "courses" }

// LessonModel maps the lessons table. Archived lessons are no longer part of
// the course.
type LessonModel struct {
	ID       string `gorm:"column:id;primaryKey"`
	CourseID string `gorm:"column:course_id;not null;index"`
	Title    string `gorm:"column:title;not null"`
	Position int    `gorm:"column:position;not null"`
	Archived bool   `gorm:"column:archived;not null;default:false"`
}

func (LessonModel) TableName() string { return "lessons" }

func (m *CourseModel) toDomain() *catalog.Course {
	c := &catalog.Course{
		ID:             shared.CourseID(m.ID),
		Title:          m.Title,
		Price:          m.Price,
		Currency:       m.Currency,
		AccessDuration: time.Duration(m.AccessDays) * 24 * time.Hour,
		Lessons:        make([]catalog.Lesson, 0, len(m.Lessons)),
	}
	for _, l := range m.Lessons {
		c.Lessons = append(c.Lessons, catalog.Lesson{
			ID:       shared.LessonID(l.ID),
			Title:    l.Title,
			Position: l.Position,
		})
	}
	return c
}

// Catalog implements catalog.Catalog over gorm.
type Catalog struct {
	db *gorm.DB
}

var _ catalog.Catalog = (*Catalog)(nil)

// New wraps an open gorm handle.
func New(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

// Open connects to the catalog database with the postgres driver.
func Open(dsn string) (*Catalog, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("catalogdb: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("catalogdb: pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return New(db), nil
}

// Close releases the underlying pool.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetCourse loads a published course with its active lessons in position order.
func (c *Catalog) GetCourse(ctx context.Context, id shared.CourseID) (*catalog.Course, error) {
	var m CourseModel
	err := c.db.WithContext(ctx).
		Preload("Lessons", func(tx *gorm.DB) *gorm.DB {
			return tx.Where("archived = ?", false).Order("position ASC")
		}).
		Where("id = ? AND published = ?", id.String(), true).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, catalog.CourseNotFound(id, err)
		}
		return nil, fmt.Errorf("catalogdb: get course %s: %w", id, err)
	}
	return m.toDomain(), nil
}
