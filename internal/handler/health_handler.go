package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/tenkibot/internal/middleware"
)

// HealthChecker はデータベースの疎通確認を行う。*sql.DB が満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type healthResponse struct {
	Status    string           `json:"status"`
	AreaCount int              `json:"area_count"`
	Scheduler *schedulerHealth `json:"scheduler,omitempty"`
}

type schedulerHealth struct {
	Running  bool `json:"running"`
	JobCount int  `json:"job_count"`
}

// HealthHandler はプロセスとデータベースの状態を返す。
// scheduleが設定されていればスケジューラの稼働状態とジョブ数も返す。
// GET /health
func HealthHandler(db HealthChecker, catalog AreaCatalog, schedule Schedule) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		if catalog != nil {
			resp.AreaCount = catalog.Len()
		}
		if schedule != nil {
			resp.Scheduler = &schedulerHealth{Running: schedule.Running(), JobCount: schedule.JobCount()}
		}

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				resp.Status = "unavailable"
				middleware.WriteJSON(w, http.StatusServiceUnavailable, resp)
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, resp)
	}
}
