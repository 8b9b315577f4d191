package core

// httpapi.go – thin JSON adapters over SubmitCommand, IngestDatagram and
// Query for local front-ends.

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// maxRequestBytes bounds a single API request body.
const maxRequestBytes = 4 << 20

// NewRouter builds the node's local HTTP surface.
func NewRouter(n *Node, lg *logrus.Logger) http.Handler {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/v1/command", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Command string         `json:"command"`
			Params  map[string]any `json:"params"`
		}
		if err := decodeJSON(req, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		res := n.SubmitCommand(body.Command, body.Params)
		status := http.StatusOK
		if !res.Success {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, res)
	})

	r.Post("/v1/ingest", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Datagram string `json:"datagram"` // base64
			OriginIP string `json:"origin_ip"`
			Port     int    `json:"origin_port"`
		}
		if err := decodeJSON(req, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		raw, err := base64.StdEncoding.DecodeString(body.Datagram)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := n.IngestDatagram(raw, body.OriginIP, body.Port); err != nil {
			lg.Warnf("ingest: %v", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
	})

	r.Get("/v1/query/{name}", func(w http.ResponseWriter, req *http.Request) {
		params := make(map[string]any)
		for k, vs := range req.URL.Query() {
			if len(vs) > 0 {
				params[k] = vs[0]
			}
		}
		rows, err := n.Query(chi.URLParam(req, "name"), params)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
	})

	return r
}

func decodeJSON(req *http.Request, v any) error {
	defer io.Copy(io.Discard, req.Body)
	return json.NewDecoder(io.LimitReader(req.Body, maxRequestBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
