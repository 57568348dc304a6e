package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// HealthStatus je odpověď endpointu /health.
type HealthStatus struct {
	Status        string        `json:"status"`
	State         string        `json:"state"`
	MQTTConnected bool          `json:"mqtt_connected"`
	DatabaseOK    bool          `json:"database_ok"`
	Breaker       string        `json:"breaker"`
	Process       *ProcessStats `json:"process,omitempty"`
}

// ProcessStats: kolik prostředků bere sám bridge.
type ProcessStats struct {
	RSSMB      float64 `json:"rss_mb"`
	CPUPercent float64 `json:"cpu_percent"`
}

type healthSource interface {
	Health(ctx context.Context) HealthStatus
}

// collectProcessStats čte RSS a CPU vlastního procesu (gopsutil).
func collectProcessStats() (*ProcessStats, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return nil, err
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		return nil, err
	}
	return &ProcessStats{
		RSSMB:      float64(mem.RSS) / 1024.0 / 1024.0,
		CPUPercent: cpu,
	}, nil
}

// newHealthMux: /health pro Docker/K8s a /metrics pro Prometheus.
func newHealthMux(src healthSource, gatherer prometheus.Gatherer, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		st := src.Health(ctx)
		code := http.StatusOK
		switch {
		case st.State == StateRunning.String() && st.MQTTConnected && st.DatabaseOK:
			st.Status = "ok"
		case st.MQTTConnected || st.DatabaseOK:
			st.Status = "degraded"
			code = http.StatusServiceUnavailable
		default:
			st.Status = "down"
			code = http.StatusServiceUnavailable
		}

		if ps, err := collectProcessStats(); err == nil {
			st.Process = ps
		} else {
			logger.Debug("Nelze načíst statistiky procesu", "error", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(st); err != nil {
			logger.Error("Chyba při zápisu JSON odpovědi", "error", err)
		}
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// startHealthServer spustí HTTP server na pozadí. Vrací ho kvůli Shutdown.
func startHealthServer(port string, handler http.Handler, logger *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Health server běží", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health server spadl", "error", err)
		}
	}()
	return srv
}
