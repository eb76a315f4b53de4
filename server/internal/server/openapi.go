package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/gaspardpetit/stagebridge/core/logx"
)

//go:embed openapi.json
var openapiJSON []byte

var (
	docOnce sync.Once
	doc     *openapi3.T
	docErr  error
)

// OpenAPI loads and validates the embedded API description.
func OpenAPI() (*openapi3.T, error) {
	docOnce.Do(func() {
		loader := openapi3.NewLoader()
		doc, docErr = loader.LoadFromData(openapiJSON)
		if docErr == nil {
			docErr = doc.Validate(context.Background())
		}
	})
	return doc, docErr
}

func openapiHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := OpenAPI()
		if err != nil {
			logx.Log.Error().Err(err).Msg("openapi document")
			http.Error(w, "openapi document unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("write json")
	}
}
