package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/autoaccept/cdpdriver/cdp"
	"github.com/autoaccept/cdpdriver/inject"
	"github.com/autoaccept/cdpdriver/orchestrator"
)

// =============================================================================
// 🔍 probe：列出扫描范围内的工作台目标
// =============================================================================

// probe 逐端口列出工作台目标，返回是否至少发现一个
func probe(ctx context.Context, cfg cdp.ProberConfig, out io.Writer, logger *zap.Logger) bool {
	prober := cdp.NewProber(cfg, logger)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tID\tTYPE\tTITLE")

	found := 0
	for _, port := range prober.Ports() {
		targets := prober.ListTargets(ctx, port)
		if len(targets) == 0 {
			fmt.Fprintf(tw, "%d\t-\t-\t-\n", port)
			continue
		}
		for _, t := range targets {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", port, t.ID, t.Type, t.Title)
		}
		found += len(targets)
	}
	tw.Flush()

	fmt.Fprintf(out, "\n%d workbench target(s) on %s ports %v\n", found, cfg.Host, prober.Ports())
	return found > 0
}

// =============================================================================
// ✅ verify：连接单个端口、注入脚本并扫描按钮
// =============================================================================

// verifyBehavior 是 verify 注入时使用的行为配置
var verifyBehavior = inject.BehaviorConfig{
	PollFrequency:  100,
	BackgroundMode: true,
	BannedCommands: []string{},
}

// buttonScanExpression 统计页面按钮并检查是否存在可接受的提示
const buttonScanExpression = `(() => {
	const buttons = Array.from(document.querySelectorAll('button, .monaco-button, .button'));
	const labels = buttons.map(b => b.innerText || b.textContent).filter(t => t && t.length < 50);
	return {
		buttonCount: buttons.length,
		labels: labels.slice(0, 10),
		foundAccept: labels.some(text => /accept|resume|confirm|allow|apply|try again/i.test(text))
	};
})()`

// buttonScan 是 buttonScanExpression 的结果
type buttonScan struct {
	ButtonCount int      `json:"buttonCount"`
	Labels      []string `json:"labels"`
	FoundAccept bool     `json:"foundAccept"`
}

type verifyOptions struct {
	Host       string
	Port       int
	ScriptPath string
	Timeout    time.Duration
}

// verify 连接 opts.Port 上的第一个工作台目标，注入脚本后执行按钮扫描
func verify(ctx context.Context, opts verifyOptions, out io.Writer, logger *zap.Logger) (*buttonScan, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	script, err := inject.NewScript(opts.ScriptPath, logger)
	if err != nil {
		return nil, fmt.Errorf("load script: %w", err)
	}

	cfg := orchestrator.DefaultConfig()
	cfg.Prober.Host = opts.Host
	cfg.Prober.BasePort = opts.Port
	cfg.Prober.Radius = 0

	orch := orchestrator.New(cfg, script, logger)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		orch.Stop(stopCtx)
	}()

	fmt.Fprintf(out, "Searching for workbench targets on %s:%d...\n", opts.Host, opts.Port)
	report := orch.Start(ctx, verifyBehavior)
	if report.Discovered == 0 {
		return nil, fmt.Errorf("no workbench target found on port %d", opts.Port)
	}

	sessions := orch.Sessions()
	if len(sessions) == 0 {
		return nil, fmt.Errorf("failed to connect to any of %d workbench target(s)", report.Discovered)
	}
	first := sessions[0]
	fmt.Fprintf(out, "Connected to %q (%s). Script injected and started.\n", first.Title, first.Key)

	fmt.Fprintln(out, "Scanning for buttons...")
	scan, err := cdp.DecodeJSON[buttonScan](ctx, orch.Evaluator(), first.Key, buttonScanExpression)
	if err != nil {
		return nil, fmt.Errorf("button scan: %w", err)
	}

	data, _ := json.MarshalIndent(scan, "", "  ")
	fmt.Fprintf(out, "--- SCAN RESULTS ---\n%s\n", data)
	if scan.FoundAccept {
		fmt.Fprintln(out, "SUCCESS: found an Accept/Resume button.")
	} else {
		fmt.Fprintln(out, "Connected, but no matching buttons are visible (normal when no prompt is active).")
	}
	return &scan, nil
}
