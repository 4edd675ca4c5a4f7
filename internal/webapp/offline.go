package webapp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"github.com/Claydropdead/location-monitor-sub001/internal/store"
	"github.com/Claydropdead/location-monitor-sub001/internal/webapp/common"
)

// EventSink records administrative location events, fire and forget.
type EventSink interface {
	SaveEvent(userID string, event string, detail interface{}, t time.Time)
}

// OfflineHandler serves POST /api/offline, the graceful disconnect path.
// It sits outside the CSRF fence because browsers call it via
// navigator.sendBeacon during page unload, where custom headers are not
// available. Authentication is the session cookie or a websocket token
// carried in the body.
type OfflineHandler struct {
	store  store.LocationStore
	events EventSink
	auth   TokenResolver
	vld    *validator.Validate
	log    log.Logger
}

type OfflineRequest struct {
	UserID           string     `json:"user_id" validate:"required"`
	Active           bool       `json:"active"`
	Timestamp        *time.Time `json:"timestamp,omitempty"`
	RemoveCompletely bool       `json:"remove_completely,omitempty"`
	Token            string     `json:"token,omitempty"`
}

type OfflineResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func NewOfflineHandler(st store.LocationStore, events EventSink, auth TokenResolver) *OfflineHandler {
	o := &OfflineHandler{}
	o.store = st
	o.events = events
	o.auth = auth
	o.vld = validator.New()
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "offline").Value()
	return o
}

func (h *OfflineHandler) reply(w http.ResponseWriter, code int, res OfflineResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(res)
}

// caller resolves the request credential, cookie first, then the body
// token.
func (h *OfflineHandler) caller(r *http.Request, req *OfflineRequest) (*common.UserSession, error) {
	if ck, err := r.Cookie("GSESS"); err == nil && ck.Value != "" {
		sess, err := h.auth.BySession(r.Context(), ck.Value)
		if err != nil || sess != nil {
			return sess, err
		}
	}
	if req.Token != "" {
		return h.auth.ByWsToken(r.Context(), req.Token)
	}
	return nil, nil
}

func (h *OfflineHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := OfflineRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		h.reply(w, http.StatusBadRequest, OfflineResponse{Error: "malformed request body"})
		return
	}
	err = h.vld.Struct(req)
	if err != nil {
		h.reply(w, http.StatusBadRequest, OfflineResponse{Error: "missing user_id"})
		return
	}
	if req.Active {
		// this endpoint only takes users off the map
		h.reply(w, http.StatusBadRequest, OfflineResponse{Error: "active must be false"})
		return
	}

	sess, err := h.caller(r, &req)
	if err != nil {
		h.log.Error().Err(err).Msg("credential lookup failed")
		h.reply(w, http.StatusInternalServerError, OfflineResponse{Error: "store failure"})
		return
	}
	if sess == nil {
		h.reply(w, http.StatusUnauthorized, OfflineResponse{Error: "not authenticated"})
		return
	}
	// users mark themselves offline, removing someone else needs admin
	if sess.UserID != req.UserID && !common.HasRole(sess.Role, common.RoleAdmin) {
		h.reply(w, http.StatusForbidden, OfflineResponse{Error: "not allowed"})
		return
	}

	at := time.Now()
	if req.Timestamp != nil {
		at = *req.Timestamp
	}

	if req.RemoveCompletely {
		err = h.store.Delete(r.Context(), req.UserID)
		if err != nil {
			h.reply(w, http.StatusInternalServerError, OfflineResponse{Error: "store failure"})
			return
		}
		if h.events != nil {
			h.events.SaveEvent(req.UserID, "remove_location", map[string]string{"by": sess.UserID}, at)
		}
		h.reply(w, http.StatusOK, OfflineResponse{Success: true})
		return
	}

	_, err = h.store.MarkOffline(r.Context(), req.UserID, at)
	if err != nil {
		h.reply(w, http.StatusInternalServerError, OfflineResponse{Error: "store failure"})
		return
	}
	if h.events != nil {
		h.events.SaveEvent(req.UserID, "mark_offline", map[string]string{"by": sess.UserID}, at)
	}
	h.reply(w, http.StatusOK, OfflineResponse{Success: true})
}
