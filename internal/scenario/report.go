package scenario

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/okian/worldsim/internal/domain/model"
)

// Render writes the replay as a set of tables.
func Render(w io.Writer, res *Result) {
	title := res.Name
	if title == "" {
		title = "scenario"
	}
	fmt.Fprintf(w, "%s: %d steps, %s to %s, %d rejected\n\n", title, len(res.Steps),
		res.Start.Format(time.RFC3339), res.End.Format(time.RFC3339), res.Failures)

	steps := newTable(w, "Steps")
	steps.AppendHeader(table.Row{"#", "Kind", "At", "Outcome", "Detail"})
	for _, s := range res.Steps {
		steps.AppendRow(table.Row{s.Index, s.Kind, s.At.Format(time.RFC3339), outcomeCode(s.Code), s.Detail})
	}
	steps.Render()

	crises := newTable(w, "Crises")
	crises.AppendHeader(table.Row{"City", "Status", "Severity", "Impacts", "Pressure", "Peak", "Started", "Resolution"})
	for _, c := range res.Crises {
		crises.AppendRow(table.Row{
			c.CityID, c.Status, c.Severity, len(c.RelatedImpactIDs),
			c.Metrics[model.KPIPressure], c.Metrics[model.KPIPeakPressure],
			c.StartedAt.Format(time.RFC3339), c.ResolutionReason,
		})
	}
	crises.Render()

	regions := newTable(w, "Region control")
	regions.AppendHeader(table.Row{"Region", "Owner", "Scores", "Stability", "Trend", "Conflict", "Version"})
	for _, rc := range res.Regions {
		scores := make([]string, 0, len(rc.Scores))
		for _, f := range rc.Factions() {
			scores = append(scores, fmt.Sprintf("%s=%d", f, rc.Scores[f]))
		}
		regions.AppendRow(table.Row{
			rc.RegionID, rc.OwnerFactionID, strings.Join(scores, " "),
			fmt.Sprintf("%.2f", rc.Stability), rc.Trend, rc.ConflictLevel, rc.Version,
		})
	}
	regions.Render()

	fatigue := newTable(w, "Fatigue")
	fatigue.AppendHeader(table.Row{"Character", "Skill", "Daily XP", "Soft cap", "Modifier", "Score", "State"})
	for _, f := range res.Fatigue {
		fatigue.AppendRow(table.Row{
			f.CharacterID, f.Skill, fmt.Sprintf("%.1f", f.DailyXPTotal), f.SoftCap,
			fmt.Sprintf("%.2f", f.FatigueModifier), fmt.Sprintf("%.1f", f.FatigueScore), f.State,
		})
	}
	fatigue.Render()

	jobs := newTable(w, "Recalculation jobs")
	jobs.AppendHeader(table.Row{"Job", "Scope", "Status", "Total", "Processed", "Skipped", "Failed"})
	for _, j := range res.Jobs {
		jobs.AppendRow(table.Row{short(j.ID), j.Scope, j.Status, j.Total, j.Processed, j.Skipped, j.Failed})
	}
	jobs.Render()

	r := res.Report
	summary := newTable(w, "Summary")
	summary.AppendHeader(table.Row{"Metric", "Value"})
	summary.AppendRows([]table.Row{
		{"impacts recorded", r.ImpactsRecorded},
		{"control shifts", r.ControlShifts},
		{"ownership transfers", r.OwnershipTransfers},
		{"control shift rate", fmt.Sprintf("%.2f", r.ControlShiftRate)},
		{"fatigue overflow rate", fmt.Sprintf("%.2f", r.FatigueOverflowRate)},
		{"crises opened", r.CrisesOpened},
		{"crises resolved", r.CrisesResolved},
		{"crisis survival ratio", fmt.Sprintf("%.2f", r.CrisisSurvivalRatio)},
		{"jobs completed", r.JobsCompleted},
		{"jobs failed", r.JobsFailed},
		{"unit failures", r.UnitFailures},
	})
	summary.Render()

	alerts := newTable(w, "Alerts")
	alerts.AppendHeader(table.Row{"Alert"})
	for _, a := range r.Alerts {
		alerts.AppendRow(table.Row{a})
	}
	if len(r.Alerts) == 0 {
		alerts.AppendRow(table.Row{"none"})
	}
	alerts.Render()
}

func newTable(w io.Writer, title string) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle(title)
	tw.SetStyle(table.StyleLight)
	tw.Style().Title.Align = text.AlignLeft
	return tw
}
