package app

import (
	"encoding/json"
	"net/http"
	"strconv"
)

type listeningState struct {
	Listening bool `json:"listening"`
}

// handleListening reports the listening state on GET. POST toggles it, or
// sets it from the "on" query parameter when present.
func (a *App) handleListening(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		on := !a.Listening()
		if v := r.URL.Query().Get("on"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				http.Error(w, "on: want true or false", http.StatusBadRequest)
				return
			}
			on = b
		}
		a.SetListening(on)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(listeningState{Listening: a.Listening()})
}
