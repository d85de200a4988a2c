package monitor

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// handleConvergence renders a line chart (HTML) of the solve error per
// iteration using go-echarts. This is a debugging-only endpoint to eyeball
// whether pruning is actually improving the reconstruction.
func (ws *WebServer) handleConvergence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed; use GET")
		return
	}

	if ws.solver == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "solver not configured")
		return
	}

	history := ws.solver.History()
	if len(history) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no solve history available")
		return
	}

	xAxis := make([]string, len(history))
	data := make([]opts.LineData, len(history))
	for i, e := range history {
		xAxis[i] = fmt.Sprintf("%d", i)
		data[i] = opts.LineData{Value: e}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Solve Convergence", Theme: "dark", Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Camera Solve Convergence",
			Subtitle: fmt.Sprintf("solves=%d best=%.4fpx", len(history), ws.solver.BestError()),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "solve"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "avg error (px)"}),
	)

	line.SetXAxis(xAxis)
	line.AddSeries("avg_error", data, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true), ShowSymbol: opts.Bool(true)}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
