package handlers

import (
	"net/http"

	"github.com/voxhall/voxhall/pkg/core"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	writeErrorJSONStatus(w, reqID, &core.Error{
		Type:    core.ErrInvalidRequest,
		Message: "not found",
		Code:    "not_found",
	}, http.StatusNotFound)
}
