package store

import (
	"context"
	"time"

	"github.com/factorysh/maintenance/run"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type runModel struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	TaskName     string            `gorm:"type:text;not null;index:idx_runs_task_name_status,priority:1"`
	Status       string            `gorm:"type:text;not null;index;index:idx_runs_task_name_status,priority:2"`
	TickCount    int64             `gorm:"not null;default:0;check:tick_count >= 0"`
	TickTotal    *int64
	Cursor       *string           `gorm:"type:text"`
	Arguments    datatypes.JSONMap `gorm:"type:jsonb"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb"`
	TimeRunning  int64             `gorm:"not null;default:0"`
	ErrorClass   string            `gorm:"type:text"`
	ErrorMessage string            `gorm:"type:text"`
	Backtrace    string            `gorm:"type:text"`
	StartedAt    *time.Time        `gorm:"type:timestamptz"`
	EndedAt      *time.Time        `gorm:"type:timestamptz"`
	CreatedAt    time.Time         `gorm:"type:timestamptz;not null"`
	UpdatedAt    time.Time         `gorm:"type:timestamptz;not null"`
	LockVersion  int64             `gorm:"not null;default:0"`
	Executor     string            `gorm:"type:text"`
}

func (runModel) TableName() string { return "runs" }

func toJSONMap(m map[string]string) datatypes.JSONMap {
	if m == nil {
		return nil
	}
	j := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		j[k] = v
	}
	return j
}

func fromJSONMap(j datatypes.JSONMap) map[string]string {
	if j == nil {
		return nil
	}
	m := make(map[string]string, len(j))
	for k, v := range j {
		if s, ok := v.(string); ok {
			m[k] = s
		}
	}
	return m
}

func modelFromRun(r *run.Run) runModel {
	return runModel{
		ID:           r.ID,
		TaskName:     r.TaskName,
		Status:       string(r.Status),
		TickCount:    r.TickCount,
		TickTotal:    r.TickTotal,
		Cursor:       r.Cursor,
		Arguments:    toJSONMap(r.Arguments),
		Metadata:     toJSONMap(r.Metadata),
		TimeRunning:  int64(r.TimeRunning),
		ErrorClass:   r.ErrorClass,
		ErrorMessage: r.ErrorMessage,
		Backtrace:    r.Backtrace,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		LockVersion:  r.LockVersion,
		Executor:     r.Executor,
	}
}

func (m runModel) toRun() *run.Run {
	return &run.Run{
		ID:           m.ID,
		TaskName:     m.TaskName,
		Status:       run.Status(m.Status),
		TickCount:    m.TickCount,
		TickTotal:    m.TickTotal,
		Cursor:       m.Cursor,
		Arguments:    fromJSONMap(m.Arguments),
		Metadata:     fromJSONMap(m.Metadata),
		TimeRunning:  time.Duration(m.TimeRunning),
		ErrorClass:   m.ErrorClass,
		ErrorMessage: m.ErrorMessage,
		Backtrace:    m.Backtrace,
		StartedAt:    m.StartedAt,
		EndedAt:      m.EndedAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		LockVersion:  m.LockVersion,
		Executor:     m.Executor,
	}
}

// GormStore persists runs in PostgreSQL
type GormStore struct {
	orm *gorm.DB
}

// NewGormStore connects to PostgreSQL and migrates the runs table
func NewGormStore(ctx context.Context, dsn string) (*GormStore, error) {
	orm, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	s := &GormStore{orm: orm}
	if err := orm.WithContext(ctx).AutoMigrate(&runModel{}); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "running migrations")
	}
	return s, nil
}

// Close the connection pool
func (s *GormStore) Close() error {
	db, err := s.orm.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// Create implements RunStore
func (s *GormStore) Create(ctx context.Context, r *run.Run) error {
	if err := checkNew(r); err != nil {
		return err
	}
	r.LockVersion = 0
	m := modelFromRun(r)
	return s.orm.WithContext(ctx).Create(&m).Error
}

// Get implements RunStore
func (s *GormStore) Get(ctx context.Context, id uuid.UUID) (*run.Run, error) {
	var m runModel
	err := s.orm.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, run.ErrNotFound
		}
		return nil, err
	}
	return m.toRun(), nil
}

func statusNames(statuses []run.Status) []string {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return names
}

func terminalNames() []string {
	return statusNames(run.TerminalStatuses)
}

func (s *GormStore) missed(ctx context.Context, id uuid.UUID) error {
	var m runModel
	err := s.orm.WithContext(ctx).Select("status").Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return run.ErrNotFound
		}
		return err
	}
	if run.Status(m.Status).IsTerminal() {
		return run.ErrTerminal
	}
	return run.ErrConflict
}

func (s *GormStore) update(ctx context.Context, id uuid.UUID, where *gorm.DB, updates map[string]interface{}) error {
	res := where.Model(&runModel{}).
		Where("status NOT IN ?", terminalNames()).
		UpdateColumns(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.missed(ctx, id)
	}
	return nil
}

// Save implements RunStore
func (s *GormStore) Save(ctx context.Context, r *run.Run) error {
	now := time.Now().UTC()
	err := s.update(ctx, r.ID,
		s.orm.WithContext(ctx).Where("id = ? AND lock_version = ?", r.ID, r.LockVersion),
		map[string]interface{}{
			"status":        string(r.Status),
			"tick_total":    r.TickTotal,
			"started_at":    r.StartedAt,
			"ended_at":      r.EndedAt,
			"error_class":   r.ErrorClass,
			"error_message": r.ErrorMessage,
			"backtrace":     r.Backtrace,
			"metadata":      toJSONMap(r.Metadata),
			"executor":      r.Executor,
			"updated_at":    now,
			"lock_version":  gorm.Expr("lock_version + 1"),
		})
	if err != nil {
		return err
	}
	r.LockVersion++
	r.UpdatedAt = now
	return nil
}

// IncrementTicks implements RunStore
func (s *GormStore) IncrementTicks(ctx context.Context, id uuid.UUID, n int64) error {
	if err := checkTicks(n); err != nil {
		return err
	}
	return s.update(ctx, id,
		s.orm.WithContext(ctx).Where("id = ?", id),
		map[string]interface{}{
			"tick_count": gorm.Expr("tick_count + ?", n),
			"updated_at": time.Now().UTC(),
		})
}

// Checkpoint implements RunStore
func (s *GormStore) Checkpoint(ctx context.Context, id uuid.UUID, c Checkpoint) error {
	if err := checkTicks(c.Ticks); err != nil {
		return err
	}
	updates := map[string]interface{}{
		"tick_count":   gorm.Expr("tick_count + ?", c.Ticks),
		"time_running": gorm.Expr("time_running + ?", int64(c.TimeRunning)),
		"updated_at":   time.Now().UTC(),
	}
	if c.Cursor != nil {
		updates["cursor"] = *c.Cursor
	}
	where := s.orm.WithContext(ctx).Where("id = ?", id)
	if c.Executor != "" {
		where = where.Where("executor = ? AND status IN ?", c.Executor, statusNames(run.HeldStatuses))
	}
	return s.update(ctx, id, where, updates)
}

// List implements RunStore
func (s *GormStore) List(ctx context.Context, f Filter) ([]*run.Run, error) {
	q := s.orm.WithContext(ctx).Model(&runModel{})
	if f.TaskName != "" {
		q = q.Where("task_name = ?", f.TaskName)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", statusNames(f.Statuses))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var models []runModel
	if err := q.Order("created_at, id").Find(&models).Error; err != nil {
		return nil, err
	}
	runs := make([]*run.Run, len(models))
	for i, m := range models {
		runs[i] = m.toRun()
	}
	return runs, nil
}
