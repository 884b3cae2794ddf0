package cron

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sahilchouksey/chat-relay/model"
	"github.com/sahilchouksey/chat-relay/services/conversation"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Drainer replays parked finalizations
type Drainer interface {
	Drain(ctx context.Context, replay conversation.ReplayFunc, limit int) (conversation.DrainStats, error)
	Len(ctx context.Context) (int64, error)
}

// Archiver closes a conversation on behalf of its owner
type Archiver interface {
	Archive(ctx context.Context, owner, id string) (*model.Conversation, error)
}

// Locker takes short-lived exclusive keys, so a job runs on one instance at a time
type Locker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Jobs holds what the scheduled jobs act on. Nil members disable their job.
type Jobs struct {
	DeadLetter       Drainer
	Replay           conversation.ReplayFunc
	Lock             Locker // optional; guards the dead-letter drain
	Archiver         Archiver
	ArchiveIdleAfter time.Duration // 0 disables idle archiving
}

// CronManager manages all scheduled cron jobs
type CronManager struct {
	cron *cron.Cron
	db   *gorm.DB
	log  *zap.Logger
	jobs Jobs
	now  func() time.Time

	instance string // lock owner value
}

// NewCronManager creates a new cron manager
func NewCronManager(db *gorm.DB, log *zap.Logger, jobs Jobs) *CronManager {
	if log == nil {
		log = zap.NewNop()
	}
	// Create cron with seconds precision
	c := cron.New(cron.WithSeconds())

	host, _ := os.Hostname()

	return &CronManager{
		cron:     c,
		db:       db,
		log:      log.Named("cron"),
		jobs:     jobs,
		now:      time.Now,
		instance: fmt.Sprintf("%s:%d", host, os.Getpid()),
	}
}

// Start starts all cron jobs
func (m *CronManager) Start() error {
	m.log.Info("starting cron jobs")

	// Register all jobs
	if err := m.registerJobs(); err != nil {
		return err
	}

	// Start the cron scheduler
	m.cron.Start()

	m.log.Info("cron jobs started", zap.Int("jobs", len(m.cron.Entries())))
	return nil
}

// Stop stops all cron jobs and waits for running ones
func (m *CronManager) Stop() {
	m.log.Info("stopping cron jobs")
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.log.Info("cron jobs stopped")
}

// registerJobs registers all cron jobs with their schedules
func (m *CronManager) registerJobs() error {
	// 1. Every minute: replay parked finalizations
	if m.jobs.DeadLetter != nil && m.jobs.Replay != nil {
		if _, err := m.cron.AddFunc("0 * * * * *", m.DrainFinalizeDeadLetter); err != nil {
			return err
		}
	}

	// 2. Every hour: usage report
	if _, err := m.cron.AddFunc("0 0 * * * *", m.ReportUsage); err != nil {
		return err
	}

	// 3. Daily at 3 AM: archive idle conversations
	if m.jobs.Archiver != nil && m.jobs.ArchiveIdleAfter > 0 {
		if _, err := m.cron.AddFunc("0 0 3 * * *", m.ArchiveIdleConversations); err != nil {
			return err
		}
	}

	// 4. Daily at 2 AM: cleanup old job logs
	if _, err := m.cron.AddFunc("0 0 2 * * *", m.CleanupOldData); err != nil {
		return err
	}

	return nil
}

// logJobStart records a running entry for jobName
func (m *CronManager) logJobStart(jobName string) *model.CronJobLog {
	m.log.Info("job started", zap.String("job", jobName))

	entry := &model.CronJobLog{
		JobName:   jobName,
		Status:    "running",
		StartedAt: m.now().UTC(),
		Metadata:  datatypes.JSONMap{},
	}
	if err := m.db.Create(entry).Error; err != nil {
		m.log.Warn("failed to record job start", zap.String("job", jobName), zap.Error(err))
	}
	return entry
}

// logJobComplete logs successful completion of a cron job
func (m *CronManager) logJobComplete(entry *model.CronJobLog, message string, metadata map[string]interface{}) {
	m.log.Info("job completed", zap.String("job", entry.JobName), zap.String("message", message))

	if entry.ID == 0 {
		return
	}
	updates := map[string]interface{}{
		"status":       "completed",
		"completed_at": m.now().UTC(),
		"message":      message,
	}
	if metadata != nil {
		updates["metadata"] = datatypes.JSONMap(metadata)
	}
	if err := m.db.Model(entry).Updates(updates).Error; err != nil {
		m.log.Warn("failed to record job completion", zap.String("job", entry.JobName), zap.Error(err))
	}
}

// logJobError logs a cron job error
func (m *CronManager) logJobError(entry *model.CronJobLog, err error) {
	m.log.Error("job failed", zap.String("job", entry.JobName), zap.Error(err))

	if entry.ID == 0 {
		return
	}
	updateErr := m.db.Model(entry).Updates(map[string]interface{}{
		"status":       "failed",
		"completed_at": m.now().UTC(),
		"error_msg":    err.Error(),
	}).Error
	if updateErr != nil {
		m.log.Warn("failed to record job error", zap.String("job", entry.JobName), zap.Error(updateErr))
	}
}
