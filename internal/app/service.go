package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatfabric/internal/campaign"
	"chatfabric/internal/jobstore"
	"chatfabric/internal/messaging"
	"chatfabric/internal/redemption"
	"chatfabric/pkg/logx"
)

// SendMessage delivers m through the channel throttle.
func (f *Fabric) SendMessage(ctx context.Context, m messaging.Message) error {
	return f.throttle.Send(ctx, m.ChannelID, func(c context.Context) error {
		return f.sender.Send(c, m)
	})
}

// followUpMessage carries the tenant into followup events.
type followUpMessage messaging.Message

func (m followUpMessage) TenantID() string { return m.Tenant }

// ScheduleFollowUp sends m after delay unless a follow-up with id is pending.
func (f *Fabric) ScheduleFollowUp(id string, delay time.Duration, m messaging.Message) bool {
	return f.followups.Schedule(id, delay, followUpMessage(m), f.sendFollowUp)
}

func (f *Fabric) sendFollowUp(ctx context.Context, payload any) error {
	m, ok := payload.(followUpMessage)
	if !ok {
		return fmt.Errorf("unexpected follow-up payload %T", payload)
	}
	return f.SendMessage(ctx, messaging.Message(m))
}

func (f *Fabric) UpsertSchedule(ctx context.Context, spec campaign.ScheduleSpec) (*campaign.Schedule, error) {
	return f.schedules.UpsertSchedule(ctx, spec)
}

// DeleteSchedule removes a schedule of campaignID. Unknown schedules are a
// no-op; a schedule owned by another campaign is refused.
func (f *Fabric) DeleteSchedule(ctx context.Context, campaignID, scheduleID string) error {
	sch, err := f.campaigns.GetSchedule(ctx, scheduleID)
	switch {
	case errors.Is(err, campaign.ErrScheduleNotFound):
		return nil
	case err != nil:
		return err
	case sch.CampaignID != campaignID:
		return campaign.ErrScheduleCampaign
	}
	return f.schedules.DeleteSchedule(ctx, scheduleID)
}

func (f *Fabric) QueueCampaign(ctx context.Context, campaignID string) (jobstore.Job, error) {
	return f.schedules.QueueCampaign(ctx, campaignID)
}

func (f *Fabric) Redeem(ctx context.Context, req redemption.Request) (redemption.Result, error) {
	res, err := f.ledger.RedeemWithRetry(ctx, req)
	if err == nil && !res.OK {
		f.log.Debug("redemption refused", logx.String("tenant", req.Tenant), logx.String("reason", string(res.Reason)))
	}
	return res, err
}

// Ready reports whether the database answers.
func (f *Fabric) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return f.db.PingContext(ctx)
}
