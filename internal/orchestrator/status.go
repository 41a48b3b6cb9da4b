package orchestrator

import (
	"fmt"

	"agentcrew/internal/pipeline"
	"agentcrew/internal/router"
)

// AlertLevel grades a status alert.
type AlertLevel string

const (
	AlertWarning AlertLevel = "warning"
	AlertError   AlertLevel = "error"
)

// Alert is an operator-facing budget notification.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Message string     `json:"message"`
}

// BudgetSnapshot summarizes today's spend against the configured caps.
type BudgetSnapshot struct {
	DailyCapUSD      float64          `json:"daily_cap_usd"`
	SpentTodayUSD    float64          `json:"spent_today_usd"`
	SpentMonthUSD    float64          `json:"spent_month_usd"`
	RemainingUSD     float64          `json:"remaining_usd"`
	CallsPerProvider map[string]int64 `json:"calls_per_provider,omitempty"`
}

// PipelineSummary is the per-pipeline slice of the status snapshot.
type PipelineSummary struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	Status       pipeline.Status `json:"status"`
	CurrentStage int             `json:"current_stage"`
	TotalStages  int             `json:"total_stages"`
	CostUSD      float64         `json:"cost_usd"`
	LastError    string          `json:"last_error,omitempty"`
}

// Status is the full snapshot returned by GetStatus.
type Status struct {
	Pipelines       []PipelineSummary `json:"pipelines"`
	Budget          BudgetSnapshot    `json:"budget"`
	RecentDecisions []router.Decision `json:"recent_decisions"`
	Alerts          []Alert           `json:"alerts,omitempty"`
}

// GetStatus reports active pipelines, the daily budget snapshot, recent
// routing decisions and budget alerts (warning at >=80% of the daily cap,
// error at >=100%).
func (o *Orchestrator) GetStatus() (*Status, error) {
	all, err := o.checkpoints.List()
	if err != nil {
		return nil, err
	}

	s := &Status{}
	for _, p := range all {
		if p.Status.IsTerminal() {
			continue
		}
		sum := PipelineSummary{
			ID:           p.ID,
			TaskID:       p.TaskID,
			Status:       p.Status,
			CurrentStage: p.CurrentStage,
			TotalStages:  len(p.Stages),
			CostUSD:      p.Metrics.TotalCostUSD,
		}
		if p.LastError != nil {
			sum.LastError = fmt.Sprintf("%s: %s", p.LastError.Kind, p.LastError.Message)
		}
		s.Pipelines = append(s.Pipelines, sum)
	}

	ledger := o.router.Ledger()
	capUSD := o.cfg.DailyCapTotal()
	spent := ledger.TotalToday()
	s.Budget = BudgetSnapshot{
		DailyCapUSD:      capUSD,
		SpentTodayUSD:    spent,
		SpentMonthUSD:    ledger.TotalMonth(),
		RemainingUSD:     max(0, capUSD-spent),
		CallsPerProvider: o.router.CallCounts(),
	}

	s.RecentDecisions = o.router.RecentDecisions(20)
	s.Alerts = o.budgetAlerts(capUSD, spent)
	return s, nil
}

func (o *Orchestrator) budgetAlerts(capUSD, spent float64) []Alert {
	if capUSD <= 0 {
		return nil
	}
	warnAt := o.cfg.Alerts.Thresholds.DailyCost
	if warnAt <= 0 {
		warnAt = 0.8
	}

	var alerts []Alert
	switch {
	case spent >= capUSD:
		alerts = append(alerts, Alert{
			Level:   AlertError,
			Message: fmt.Sprintf("daily cap $%.2f exceeded: accumulated spend $%.2f", capUSD, spent),
		})
	case spent >= capUSD*warnAt:
		alerts = append(alerts, Alert{
			Level:   AlertWarning,
			Message: fmt.Sprintf("daily spend $%.2f is at %.0f%% of cap $%.2f", spent, spent/capUSD*100, capUSD),
		})
	}
	return alerts
}
