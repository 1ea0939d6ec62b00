package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/waypoint-counter/internal/db"
	"github.com/banshee-data/waypoint-counter/internal/httputil"
)

// maxChartSessions caps the sessions bar chart.
const maxChartSessions = 20

// showLegsChart renders leg durations for one session as a line chart, plus a
// bar chart of waypoints per recent session.
func (s *Server) showLegsChart(w http.ResponseWriter, r *http.Request) {
	f, ok := s.journalRequest(w, r)
	if !ok {
		return
	}

	stats, err := s.db.SessionLegStats(r.Context(), f.SessionID)
	if err != nil {
		httputil.InternalServerError(w, "Failed to compute legs: "+err.Error())
		return
	}
	sessions, err := s.db.Sessions(r.Context())
	if err != nil {
		httputil.InternalServerError(w, "Failed to retrieve sessions: "+err.Error())
		return
	}

	page := components.NewPage()
	page.PageTitle = "Waypoint legs"
	page.AddCharts(legsLine(stats), sessionsBar(sessions))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func legsLine(stats db.LegStats) *charts.Line {
	x := make([]string, len(stats.Legs))
	y := make([]opts.LineData, len(stats.Legs))
	for i, leg := range stats.Legs {
		x[i] = fmt.Sprintf("%d→%d", leg.FromSeq, leg.ToSeq)
		y[i] = opts.LineData{Value: leg.Seconds}
	}

	subtitle := "no legs journaled yet"
	if stats.Count > 0 {
		subtitle = fmt.Sprintf("session=%s legs=%d mean=%.1fs p95=%.1fs", shortID(stats.SessionID), stats.Count, stats.Mean, stats.P95)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Leg durations", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "seconds"}),
	)
	line.SetXAxis(x).
		AddSeries("leg", y,
			charts.WithMarkLineNameTypeItemOpts(opts.MarkLineNameTypeItem{Name: "mean", Type: "average"}),
		)
	return line
}

func sessionsBar(sessions []db.Session) *charts.Bar {
	if len(sessions) > maxChartSessions {
		sessions = sessions[:maxChartSessions]
	}
	// oldest first, left to right
	x := make([]string, len(sessions))
	y := make([]opts.BarData, len(sessions))
	for i, sess := range sessions {
		j := len(sessions) - 1 - i
		x[j] = shortID(sess.SessionID)
		y[j] = opts.BarData{Value: sess.Waypoints}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Waypoints per session"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("waypoints", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)
	return bar
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
