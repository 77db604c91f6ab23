package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/autoaccept/cdpdriver/cdp"
	"github.com/autoaccept/cdpdriver/inject"
)

// collect evaluates expression as JSON in every session and returns the
// per-session values. A failing session contributes fallback.
func collect[T any](ctx context.Context, o *Orchestrator, expression string, fallback T) []T {
	sessions := o.registry.Sessions()
	results := make([]T, len(sessions))
	for i := range results {
		results[i] = fallback
	}

	o.eachOf(ctx, sessions, func(ctx context.Context, i int, sess *cdp.Session) {
		results[i] = cdp.EvaluateJSON(ctx, o.correlator, sess.Key, expression, fallback)
	})
	return results
}

// GetStats sums the script's counters over all sessions. A session with no
// stats getter or a failing call contributes zero.
func (o *Orchestrator) GetStats(ctx context.Context) Stats {
	var total Stats
	for _, s := range collect(ctx, o, inject.StatsExpression, rawStats{}) {
		total = total.Add(s.stats())
	}
	return total
}

// GetSessionSummary is GetStats using the summary getter where the script
// provides one.
func (o *Orchestrator) GetSessionSummary(ctx context.Context) Stats {
	var total Stats
	for _, s := range collect(ctx, o, inject.SummaryExpression, rawStats{}) {
		total = total.Add(s.stats())
	}
	return total
}

// GetAwayActions sums the actions taken while the window was unfocused.
func (o *Orchestrator) GetAwayActions(ctx context.Context) int {
	total := 0
	for _, n := range collect(ctx, o, inject.AwayActionsExpression, counter(0)) {
		total = addCount(total, int(n))
	}
	return total
}

// ResetStats resets every session's counters and returns the summed
// pre-reset clicks and blocked counts. A failing session contributes zero.
func (o *Orchestrator) ResetStats(ctx context.Context) ResetCounts {
	var total ResetCounts
	for _, s := range collect(ctx, o, inject.ResetStatsExpression, rawStats{}) {
		total = total.Add(ResetCounts{Clicks: int(s.Clicks), Blocked: int(s.Blocked)})
	}
	return total
}

// SetFocusState tells every session whether the host window is focused.
func (o *Orchestrator) SetFocusState(ctx context.Context, focused bool) {
	o.broadcast(ctx, inject.FocusExpression(focused))
}

// HideOverlay removes the background-mode overlay from every session.
func (o *Orchestrator) HideOverlay(ctx context.Context) {
	o.broadcast(ctx, inject.HideOverlayExpression)
}

func (o *Orchestrator) broadcast(ctx context.Context, expression string) {
	o.each(ctx, func(ctx context.Context, sess *cdp.Session) {
		if err := cdp.Exec(ctx, o.correlator, sess.Key, expression); err != nil {
			o.logger.Debug("broadcast failed", zap.String("session", string(sess.Key)), zap.Error(err))
		}
	})
}
