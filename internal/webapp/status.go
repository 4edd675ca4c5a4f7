package webapp

import (
	"net/http"
	"time"

	"github.com/Claydropdead/location-monitor-sub001/internal/util"
)

type statusResponse struct {
	Uptime           string    `json:"uptime"`
	RosterUsers      int       `json:"roster_users"`
	RosterGeneration uint64    `json:"roster_generation"`
	LastResync       time.Time `json:"last_resync"`
	WsReporters      int       `json:"ws_reporters"`
	WsWatchers       int       `json:"ws_watchers"`
}

// Status is the plain JSON health view, the scrape-free sibling of
// /metrics.
func (api *Api) Status(w http.ResponseWriter, r *http.Request) {
	res := statusResponse{Uptime: time.Since(api.started).Round(time.Second).String()}
	if api.roster != nil {
		if snap := api.roster.Snapshot(); snap != nil {
			res.RosterUsers = len(snap.Users)
			res.RosterGeneration = snap.Gen
			res.LastResync = snap.SyncedAt
		}
	}
	if api.stream != nil {
		res.WsReporters, res.WsWatchers = api.stream.Counts()
	}
	util.JsonWrite(w, res)
}
