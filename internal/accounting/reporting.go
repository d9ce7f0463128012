package accounting

import (
	"context"
	"sort"

	"github.com/coder/quartz"

	"worktrack-collector/internal/logicalday"
	"worktrack-collector/internal/models"
)

const DefaultReportDays = 7

// Reporter answers dashboard queries from the ledger alone. Live, unflushed
// minutes are not included.
type Reporter struct {
	ledger Ledger
	clock  quartz.Clock
	offset int
}

func NewReporter(ledger Ledger, offsetMinutes int, clock quartz.Clock) *Reporter {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Reporter{ledger: ledger, clock: clock, offset: offsetMinutes}
}

func (r *Reporter) today() string {
	day, _ := logicalday.For(r.clock.Now(), r.offset)
	return day
}

// DailySummary returns one row per device and day in [startDay, endDay]. Empty
// bounds default to the last seven logical days ending today.
func (r *Reporter) DailySummary(ctx context.Context, deviceID, startDay, endDay string) (models.DailyReport, error) {
	fields := map[string]string{}
	if endDay == "" {
		endDay = r.today()
	} else if _, err := logicalday.Parse(endDay); err != nil {
		fields["end"] = "Must be YYYY-MM-DD"
	}
	if startDay == "" && len(fields) == 0 {
		startDay, _, _ = logicalday.Range(endDay, DefaultReportDays)
	} else if startDay != "" {
		if _, err := logicalday.Parse(startDay); err != nil {
			fields["start"] = "Must be YYYY-MM-DD"
		}
	}
	if len(fields) == 0 && startDay > endDay {
		fields["start"] = "Must not be after end"
	}
	if len(fields) > 0 {
		return models.DailyReport{}, &ValidationError{Fields: fields}
	}

	rows, err := r.ledger.Summarize(ctx, startDay, endDay, deviceID)
	if err != nil {
		return models.DailyReport{}, persistenceErr("summarize", err)
	}
	if rows == nil {
		rows = []models.DailyTotal{}
	}
	return models.DailyReport{
		StartDay: startDay,
		EndDay:   endDay,
		Rows:     rows,
		Days:     DayAggregates(rows),
	}, nil
}

// SystemTotals sums every device's minutes for day, defaulting to today.
func (r *Reporter) SystemTotals(ctx context.Context, day string) (models.SystemTotals, error) {
	if day == "" {
		day = r.today()
	} else if _, err := logicalday.Parse(day); err != nil {
		return models.SystemTotals{}, &ValidationError{Fields: map[string]string{"day": "Must be YYYY-MM-DD"}}
	}
	totals, err := r.ledger.SystemTotal(ctx, day)
	if err != nil {
		return models.SystemTotals{}, persistenceErr("system_total", err)
	}
	return totals, nil
}

// DayAggregates rolls per-device rows up into one row per day, newest first.
func DayAggregates(rows []models.DailyTotal) []models.DayAggregate {
	byDay := make(map[string]*models.DayAggregate)
	for _, row := range rows {
		agg, ok := byDay[row.LogicalDay]
		if !ok {
			agg = &models.DayAggregate{LogicalDay: row.LogicalDay}
			byDay[row.LogicalDay] = agg
		}
		agg.TotalMinutes += row.TotalMinutes
		agg.Devices++
	}

	out := make([]models.DayAggregate, 0, len(byDay))
	for _, agg := range byDay {
		agg.Hours = agg.TotalMinutes / 60
		agg.Minutes = agg.TotalMinutes % 60
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LogicalDay > out[j].LogicalDay
	})
	return out
}
