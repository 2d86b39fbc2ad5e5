package routes

import (
	"chatrelay/chatrelay/controllers"
	wire "chatrelay/chatrelay/utils/types"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
)

func HistoryRoutes(ctrl *controllers.RelayController) chi.Router {
	r := chi.NewRouter()
	conversationNotFound := notFound("Conversation not found")

	// GET /api/history[?conversation_id=]
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("conversation_id"); id != "" {
			rec, ok := ctrl.History(id)
			if !ok {
				conversationNotFound(w)
				return
			}
			writeJSON(w, http.StatusOK, rec)
			return
		}

		all := ctrl.Conversations()
		sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
		writeJSON(w, http.StatusOK, wire.HistoryList{Conversations: all})
	})

	return r
}
