// Package quotabot implements a Discord bot whose slash commands are
// metered by per-user, per-guild and per-category rate limits.
//
// The core of the package is RateLimiter, which enforces sliding-window
// quotas with an optional cooldown. Its state lives in a QuotaStore,
// which may be in memory, a directory of JSON files, the bot's database
// or Redis. Policies are resolved through a PolicyRegistry, fed by
// built-in defaults, an optional YAML file and database overrides.
//
// Main components:
//
//   - QuotaBot: wires the limiter, storage, Discord session and admin API.
//   - RateLimiter: checks and records requests, and peeks at usage.
//   - CommandGate: applies the per-command, per-user and per-guild layers.
//   - AdminReset: clears quota state, writing an audit log entry per reset.
//   - API: an authenticated HTTP API for managing policies and quotas.
//
// Commands:
//
//   - /ask and /summarize: metered chat completions.
//   - /usage: shows the caller's remaining quota.
//   - /ratelimit: admin-only resets, policy changes and stats.
//
// When quota state can't be read or written, requests are denied.
package quotabot
