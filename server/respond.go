package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vessel/service"
)

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithFunc("server.writeJSON").Warnf(ctx, "encode response: %v", err)
	}
}

func writeErr(ctx context.Context, w http.ResponseWriter, err error) {
	var svcErr *service.Error
	if !errors.As(err, &svcErr) {
		svcErr = &service.Error{Kind: service.KindInternal, Message: err.Error()}
	}
	writeJSON(ctx, w, svcErr.HTTPStatus(), svcErr)
}

// decodeJSON parses the request body into v. An empty body is an error.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return &service.Error{Kind: service.KindArgument, Message: "invalid request body: " + err.Error()}
	}
	return nil
}
