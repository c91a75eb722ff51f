package agent

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"logjam/internal/telemetry"
	"logjam/pkg/journal"
)

// Healthz returns 200 OK to indicate the member is alive.
func (a *Agent) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload describing this member's place in the
// group and how many messages it is currently holding.
func (a *Agent) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID      int       `json:"pid"`
		Now      time.Time `json:"now"`
		Rank     int       `json:"rank"`
		Size     int       `json:"size"`
		Output   bool      `json:"output"`
		Buffered int       `json:"buffered"`
	}
	data, _ := json.Marshal(resp{
		PID:      os.Getpid(),
		Now:      time.Now(),
		Rank:     a.group.Rank(),
		Size:     a.group.Size(),
		Output:   a.comm.IsOutputNode(),
		Buffered: a.agg.Len(),
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Messages returns recent combined output lines as JSON, newest last.
// Only rank 0 journals output; every other rank answers with an empty
// list. ?n= caps how many lines come back (default 100).
func (a *Agent) Messages(w http.ResponseWriter, r *http.Request) {
	n := 100
	if q := r.URL.Query().Get("n"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil || parsed < 1 {
			http.Error(w, "invalid n", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	entries := []journal.Entry{}
	if a.jnl != nil {
		entries = a.jnl.Recent(n)
	}
	data, _ := json.Marshal(entries)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (a *Agent) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(a.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(a.Info)))
	mux.Handle("/messages", telemetry.Instrument("messages", http.HandlerFunc(a.Messages)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}
