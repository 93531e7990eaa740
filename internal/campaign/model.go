// Package campaign registers recurring campaign runs with the job store and
// executes them.
//
// Each schedule row owns at most one live recurring registration, named by
// its repeat_job_key. Changing a schedule removes the old registration before
// creating the new one, so a cron edit never leaves two timers behind.
package campaign

import (
	"errors"
	"time"
)

// JobDispatch is the job name handled by the Dispatcher.
const JobDispatch = "campaign.dispatch"

type Status string

const (
	StatusDraft     Status = "draft"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrScheduleCampaign = errors.New("schedule belongs to another campaign")
	ErrInvalidSchedule  = errors.New("invalid schedule")
	ErrKeyInUse         = errors.New("idempotency key belongs to another schedule")
)

type Campaign struct {
	ID           string    `db:"id" json:"id"`
	Tenant       string    `db:"tenant" json:"tenant"`
	BotID        string    `db:"bot_id" json:"botId"`
	Name         string    `db:"name" json:"name"`
	Message      string    `db:"message" json:"message"`
	Status       Status    `db:"status" json:"status"`
	SentCount    int       `db:"sent_count" json:"sentCount"`
	FailedCount  int       `db:"failed_count" json:"failedCount"`
	TotalTargets int       `db:"total_targets" json:"totalTargets"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

type Schedule struct {
	ID             string     `db:"id" json:"id"`
	CampaignID     string     `db:"campaign_id" json:"campaignId"`
	Cron           string     `db:"cron" json:"cron"`
	Timezone       string     `db:"timezone" json:"timezone"`
	StartAt        *time.Time `db:"start_at" json:"startAt,omitempty"`
	EndAt          *time.Time `db:"end_at" json:"endAt,omitempty"`
	Enabled        bool       `db:"enabled" json:"enabled"`
	IdempotencyKey string     `db:"idempotency_key" json:"idempotencyKey"`
	RepeatJobKey   *string    `db:"repeat_job_key" json:"repeatJobKey,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`

	// NextRunAt is computed on write, not stored.
	NextRunAt *time.Time `db:"-" json:"nextRunAt,omitempty"`
}

// ScheduleSpec is the caller's desired state for one schedule.
type ScheduleSpec struct {
	ScheduleID     string     `json:"scheduleId"`
	CampaignID     string     `json:"campaignId"`
	Cron           string     `json:"cron"`
	Timezone       string     `json:"timezone"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
	StartAt        *time.Time `json:"startAt,omitempty"`
	EndAt          *time.Time `json:"endAt,omitempty"`
	// Enabled defaults to true.
	Enabled *bool `json:"enabled,omitempty"`
}

func (s ScheduleSpec) enabled() bool { return s.Enabled == nil || *s.Enabled }

// DefaultIdempotencyKey is the job id used when the spec leaves it empty.
func DefaultIdempotencyKey(campaignID, scheduleID string) string {
	return "campaign:" + campaignID + ":schedule:" + scheduleID
}

// DispatchPayload is the body of a campaign.dispatch job. ScheduleID is empty
// for one-off queued runs.
type DispatchPayload struct {
	ScheduleID string `json:"scheduleId,omitempty"`
	CampaignID string `json:"campaignId"`
}

// RunEvent is the Data of campaign.* bus events.
type RunEvent struct {
	CampaignID string `json:"campaignId"`
	ScheduleID string `json:"scheduleId,omitempty"`
	Status     Status `json:"status"`
	Total      int    `json:"total"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Error      string `json:"error,omitempty"`
}
