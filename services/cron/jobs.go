package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/sahilchouksey/chat-relay/model"
	"go.uber.org/zap"
)

const (
	drainBatchSize     = 100
	archiveBatchSize   = 200
	jobLogRetention    = 30 * 24 * time.Hour
	defaultJobDeadline = 5 * time.Minute
)

// DrainFinalizeDeadLetter replays finalizations the retrier gave up on.
// Replays that fail again go back on the list.
func (m *CronManager) DrainFinalizeDeadLetter() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultJobDeadline)
	defer cancel()

	const jobName = "drain_finalize_dead_letter"

	if m.jobs.Lock != nil {
		key := "cron:lock:" + jobName
		acquired, err := m.jobs.Lock.SetNX(ctx, key, m.instance, defaultJobDeadline)
		if err != nil {
			m.log.Warn("drain lock unavailable, skipping run", zap.Error(err))
			return
		}
		if !acquired {
			m.log.Debug("drain already running elsewhere")
			return
		}
		defer func() {
			unlockCtx, unlockCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer unlockCancel()
			if err := m.jobs.Lock.Delete(unlockCtx, key); err != nil {
				m.log.Warn("failed to release drain lock", zap.Error(err))
			}
		}()
	}

	pending, err := m.jobs.DeadLetter.Len(ctx)
	if err != nil {
		entry := m.logJobStart(jobName)
		m.logJobError(entry, fmt.Errorf("failed to read dead letter length: %w", err))
		return
	}
	if pending == 0 {
		// nothing parked; skip the job log to keep it readable
		return
	}

	entry := m.logJobStart(jobName)
	stats, err := m.jobs.DeadLetter.Drain(ctx, m.jobs.Replay, drainBatchSize)
	if err != nil {
		m.logJobError(entry, fmt.Errorf("drain stopped after %d replays: %w", stats.Replayed, err))
		return
	}

	m.logJobComplete(entry,
		fmt.Sprintf("Replayed %d, re-parked %d", stats.Replayed, stats.Failed),
		map[string]interface{}{
			"pending":  pending,
			"replayed": stats.Replayed,
			"failed":   stats.Failed,
		})
}

// ReportUsage records the current period's quota usage
func (m *CronManager) ReportUsage() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultJobDeadline)
	defer cancel()

	const jobName = "report_usage"
	entry := m.logJobStart(jobName)

	period := model.PeriodStart(m.now().UTC())
	db := m.db.WithContext(ctx)

	var stats struct {
		Users int64
		Total int64
	}
	err := db.Model(&model.Usage{}).
		Select("COUNT(*) AS users, COALESCE(SUM(quota_used), 0) AS total").
		Where("quota_period_start >= ?", period).
		Scan(&stats).Error
	if err != nil {
		m.logJobError(entry, fmt.Errorf("failed to aggregate usage: %w", err))
		return
	}

	var activeConversations int64
	if err := db.Model(&model.Conversation{}).
		Where("status = ? AND last_activity_at >= ?", model.ConversationStatusActive, period).
		Count(&activeConversations).Error; err != nil {
		m.logJobError(entry, fmt.Errorf("failed to count conversations: %w", err))
		return
	}

	m.logJobComplete(entry,
		fmt.Sprintf("%d users sent %d messages this period", stats.Users, stats.Total),
		map[string]interface{}{
			"period":               period.Format("2006-01"),
			"users":                stats.Users,
			"sends":                stats.Total,
			"active_conversations": activeConversations,
		})
}

// ArchiveIdleConversations archives conversations with no activity for
// ArchiveIdleAfter.
func (m *CronManager) ArchiveIdleConversations() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultJobDeadline)
	defer cancel()

	const jobName = "archive_idle_conversations"
	entry := m.logJobStart(jobName)

	cutoff := m.now().UTC().Add(-m.jobs.ArchiveIdleAfter)

	var idle []model.Conversation
	err := m.db.WithContext(ctx).
		Select("id", "owner").
		Where("status = ? AND last_activity_at < ?", model.ConversationStatusActive, cutoff).
		Order("last_activity_at").
		Limit(archiveBatchSize).
		Find(&idle).Error
	if err != nil {
		m.logJobError(entry, fmt.Errorf("failed to query idle conversations: %w", err))
		return
	}

	archived, failed := 0, 0
	for _, conv := range idle {
		if _, err := m.jobs.Archiver.Archive(ctx, conv.Owner, conv.ID); err != nil {
			m.log.Warn("failed to archive conversation", zap.String("conversation_id", conv.ID), zap.Error(err))
			failed++
			continue
		}
		archived++
	}

	m.logJobComplete(entry,
		fmt.Sprintf("Archived %d idle conversations (%d failed)", archived, failed),
		map[string]interface{}{"archived": archived, "failed": failed, "cutoff": cutoff.Format(time.RFC3339)})
}

// CleanupOldData removes job logs past retention
func (m *CronManager) CleanupOldData() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultJobDeadline)
	defer cancel()

	const jobName = "cleanup_old_data"
	entry := m.logJobStart(jobName)

	cutoff := m.now().UTC().Add(-jobLogRetention)
	res := m.db.WithContext(ctx).
		Where("started_at < ? AND status <> ?", cutoff, "running").
		Delete(&model.CronJobLog{})
	if res.Error != nil {
		m.logJobError(entry, fmt.Errorf("failed to delete old job logs: %w", res.Error))
		return
	}

	m.logJobComplete(entry, fmt.Sprintf("Deleted %d job logs", res.RowsAffected), nil)
}
