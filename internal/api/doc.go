// Package api hosts the operator HTTP surface. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/campaign/summary for the last finished campaign.
//   - GET /v1/campaigns, /v1/campaigns/{campaign_id} and
//     /v1/campaigns/{campaign_id}/targets for persisted progress via the
//     CampaignRepository interface.
package api
