package inject

import (
	"encoding/json"
	"strconv"
)

// Globals installed by the behavior script. Every entry point is optional;
// callers guard each use so a missing function is a no-op.
const (
	FnStart             = "__autoAcceptStart"
	FnStop              = "__autoAcceptStop"
	FnGetStats          = "__autoAcceptGetStats"
	FnGetSessionSummary = "__autoAcceptGetSessionSummary"
	FnGetAwayActions    = "__autoAcceptGetAwayActions"
	FnResetStats        = "__autoAcceptResetStats"
	FnSetFocusState     = "__autoAcceptSetFocusState"

	// OverlayElementID is the DOM id of the background-mode overlay.
	OverlayElementID = "__autoAcceptBgOverlay"
)

// BehaviorConfig is the object handed to __autoAcceptStart.
type BehaviorConfig struct {
	PollFrequency  int      `json:"pollFrequency" yaml:"poll_frequency"`
	BackgroundMode bool     `json:"backgroundMode" yaml:"background_mode"`
	BannedCommands []string `json:"bannedCommands" yaml:"banned_commands"`
}

// Normalized returns a copy whose BannedCommands encodes as [] rather than null.
func (c BehaviorConfig) Normalized() BehaviorConfig {
	if c.BannedCommands == nil {
		c.BannedCommands = []string{}
	}
	return c
}

// Expressions evaluated against the script contract.
const (
	StopExpression = "if(window." + FnStop + ") window." + FnStop + "()"

	StatsExpression = "window." + FnGetStats + " ? window." + FnGetStats + "() : {}"

	SummaryExpression = "window." + FnGetSessionSummary + " ? window." + FnGetSessionSummary + "()" +
		" : (window." + FnGetStats + " ? window." + FnGetStats + "() : {})"

	AwayActionsExpression = "window." + FnGetAwayActions + " ? window." + FnGetAwayActions + "() : 0"

	ResetStatsExpression = "window." + FnResetStats + " ? window." + FnResetStats + "() : { clicks: 0, blocked: 0 }"

	HideOverlayExpression = "(() => { const el = document.getElementById('" + OverlayElementID + "'); if (el) el.remove(); })()"
)

// StartExpression renders the reconfigure call for cfg.
func StartExpression(cfg BehaviorConfig) (string, error) {
	data, err := json.Marshal(cfg.Normalized())
	if err != nil {
		return "", err
	}
	return "if(window." + FnStart + ") window." + FnStart + "(" + string(data) + ")", nil
}

// FocusExpression renders the focus-state call.
func FocusExpression(focused bool) string {
	return "if(window." + FnSetFocusState + ") window." + FnSetFocusState + "(" + strconv.FormatBool(focused) + ")"
}
