package webapp

import (
	"net/http"
	"time"
)

// Logout invalidates the caller's session. The session row is deleted,
// which cascades to its websocket tokens, and any websocket stream still
// attached to the session is kicked, so no location write can happen on
// behalf of this session afterwards.
func (api *Api) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		SameSite: http.SameSiteLaxMode,
		HttpOnly: true,
		Name:     "GSESS",
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
	})
	http.SetCookie(w, &http.Cookie{
		SameSite: http.SameSiteLaxMode,
		HttpOnly: true,
		Name:     "GSURF",
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
	})
	ck, err := r.Cookie("GSESS")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sqlStmt := `DELETE FROM session WHERE session_id = $1`
	ct, err := api.db.Exec(r.Context(), sqlStmt, ck.Value)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if api.stream != nil {
		api.stream.KickSession(ck.Value)
	}
	if ct.RowsAffected() != 1 {
		http.Error(w, "no such session", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}
