package app

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/commandrunner/pkg/worker"
)

// runNowChannel is the admin nudge channel: an external operator (or
// script) publishes a runNowRequest here to get lower latency than
// waiting for the next tick, without needing the admin entry point to be
// an HTTP endpoint (spec.md §1 keeps HTTP routing out of core scope).
const runNowChannel = "commandrunner:admin:run-now"

type runNowRequest struct {
	Tenant    string    `json:"tenant"`
	CommandID uuid.UUID `json:"command_id"`
}

// runNudgeListener subscribes to runNowChannel and forwards every valid
// request to sup.RunOnce. It runs until ctx is cancelled. Malformed
// messages are logged and skipped; Supervisor.RunOnce errors (unknown
// tenant, unknown command) are logged, never fatal — a bad nudge must not
// take down the process.
func runNudgeListener(ctx context.Context, rdb *redis.Client, sup *worker.Supervisor, logger *slog.Logger) {
	pubsub := rdb.Subscribe(ctx, runNowChannel)
	defer pubsub.Close()

	logger.Info("admin run-now nudge listener started", "channel", runNowChannel)
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var req runNowRequest
			if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
				logger.Warn("discarding malformed run-now nudge", "error", err)
				continue
			}
			if err := sup.RunOnce(ctx, req.Tenant, req.CommandID); err != nil {
				logger.Warn("run-now nudge failed", "tenant", req.Tenant, "command_id", req.CommandID, "error", err)
			}
		}
	}
}
