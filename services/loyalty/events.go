package loyalty

// Event tags delivered to webhook subscribers.
const (
	EventTransactionCreated = "transaction_created"
	EventPointsEarned       = "points_earned"
	EventPointsRedeemed     = "points_redeemed"
	EventPointsAdjusted     = "points_adjusted"
	EventMemberCreated      = "member_created"
	EventMemberUpdated      = "member_updated"
	EventMemberDeleted      = "member_deleted"
	EventTierChanged        = "tier_changed"
	EventRewardRedeemed     = "reward_redeemed"
	EventCampaignStarted    = "campaign_started"
	EventCampaignEnded      = "campaign_ended"
)
