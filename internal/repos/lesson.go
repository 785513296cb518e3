package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/nous-backend/internal/logger"
	"github.com/yungbote/nous-backend/internal/types"
)

// LessonRepo is the persistence boundary for finalized lessons.
type LessonRepo interface {
	Create(ctx context.Context, lesson *types.Lesson) error
	GetByID(ctx context.Context, id uuid.UUID) (*types.Lesson, error)
}

type lessonRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLessonRepo(db *gorm.DB, log *logger.Logger) LessonRepo {
	return &lessonRepo{db: db, log: log.With("repo", "LessonRepo")}
}

func (r *lessonRepo) Create(ctx context.Context, lesson *types.Lesson) error {
	return r.db.WithContext(ctx).Create(lesson).Error
}

func (r *lessonRepo) GetByID(ctx context.Context, id uuid.UUID) (*types.Lesson, error) {
	var lesson types.Lesson
	if err := r.db.WithContext(ctx).First(&lesson, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &lesson, nil
}
