// Package web serves a status page and a JSON view of the devices known to an
// INDI client, plus the Prometheus metrics of the process.
package web

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"

	"indi/pkg/indi"
	"indi/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type Server struct {
	client   *indi.Client
	db       *store.Store
	tmpl     *template.Template
	gatherer prometheus.Gatherer
	logger   log.FieldLogger
}

// NewServer creates a status server for client. db and gatherer may be nil,
// which disables the setup form and BLOB routes, and the metrics route.
func NewServer(client *indi.Client, db *store.Store, tmpl *template.Template, gatherer prometheus.Gatherer, logger log.FieldLogger) *Server {
	return &Server{
		client:   client,
		db:       db,
		tmpl:     tmpl,
		gatherer: gatherer,
		logger:   logger.WithField("component", "web"),
	}
}

func (s *Server) AddRoutes() *http.ServeMux {
	r := http.NewServeMux()

	r.HandleFunc("GET /{$}", s.handleStatus)
	r.Handle("GET /api/devices", handleJSON(s.handleDevices))
	r.Handle("GET /api/devices/{device}", handleJSON(s.handleDevice))

	if s.db != nil {
		r.HandleFunc("/setup", s.handleSetup)
		r.Handle("GET /api/blobs", handleJSON(s.handleBlobs))
		r.HandleFunc("GET /api/blobs/{id}", s.handleBlobData)
		r.Handle("DELETE /api/blobs/{id}", handleJSON(s.handleDeleteBlob))
	}

	if s.gatherer != nil {
		r.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Address   string
		Connected bool
		Pending   int
		Devices   []deviceView
	}{
		Address:   s.client.Address(),
		Connected: s.client.Connected(),
		Pending:   s.client.Pending(),
		Devices:   deviceViews(s.client.Devices()),
	}

	if err := s.tmpl.ExecuteTemplate(w, "status.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleDevices(r *http.Request) (any, error) {
	return deviceViews(s.client.Devices()), nil
}

func (s *Server) handleDevice(r *http.Request) (any, error) {
	name := r.PathValue("device")
	dev, ok := s.client.GetDevice(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", indi.ErrDeviceNotFound, name)
	}
	return newDeviceView(dev), nil
}

func (s *Server) handleBlobs(r *http.Request) (any, error) {
	return s.db.ListBlobs(r.URL.Query().Get("device"))
}

// handleBlobData returns the raw bytes of an archived BLOB.
func (s *Server) handleBlobData(w http.ResponseWriter, r *http.Request) {
	rec, err := s.db.GetBlob(r.PathValue("id"))
	if err != nil {
		handleError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Name+rec.Format))
	w.Write(rec.Data)
}

func (s *Server) handleDeleteBlob(r *http.Request) (any, error) {
	id := r.PathValue("id")
	if err := s.db.DeleteBlob(id); err != nil {
		return nil, err
	}
	return map[string]string{"deleted": id}, nil
}

// handleSetup shows and saves the connection settings used at next start.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.db.GetSettings()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.renderSetupForm(w, cfg, false, "")

	case http.MethodPost:
		cfg, err := parseSetupForm(r)
		if err != nil {
			s.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		s.logger.Infof("Setting client settings: %+v", cfg)
		if err := s.db.SetSettings(cfg); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.renderSetupForm(w, cfg, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) renderSetupForm(w http.ResponseWriter, cfg store.Settings, success bool, err string) {
	data := struct {
		store.Settings
		Success bool
		Error   string
	}{cfg, success, err}

	if err := s.tmpl.ExecuteTemplate(w, "setup.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseSetupForm(r *http.Request) (store.Settings, error) {
	if err := r.ParseForm(); err != nil {
		return store.Settings{}, fmt.Errorf("error parsing form: %v", err)
	}

	cfg := store.Settings{Address: r.FormValue("address")}
	if cfg.Address == "" {
		return cfg, errors.New("address is required")
	}

	var err error
	if cfg.Port, err = strconv.Atoi(r.FormValue("port")); err != nil || cfg.Port < 1 || cfg.Port > 65535 {
		return cfg, errors.New("port must be between 1 and 65535")
	}
	if cfg.BufferSize, err = strconv.Atoi(r.FormValue("buffer_size")); err != nil || cfg.BufferSize < 1 {
		return cfg, errors.New("buffer size must be a positive number")
	}
	if cfg.CommandSize, err = strconv.Atoi(r.FormValue("command_size")); err != nil || cfg.CommandSize < 0 {
		return cfg, errors.New("command size must not be negative")
	}
	return cfg, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, indi.ErrDeviceNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
