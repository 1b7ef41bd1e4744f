package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const patientsPrefix = "/vitals/api/v1/patients/"

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterHealthRoutes 健康检查
func (r *Router) RegisterHealthRoutes() {
	r.Handle("/health", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	})
}

// RegisterVitalsRoutes 注册生命体征路由
func (r *Router) RegisterVitalsRoutes(v *VitalsHandler, live *LiveHandler) {
	// list
	r.Handle("/vitals/api/v1/patients", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		v.ListPatients(w, req)
	})

	// patients/{id}, patients/{id}/monitor, patients/{id}/history, patients/{id}/history/latest
	r.Handle(patientsPrefix, func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, patientsPrefix)
		id, action, _ := strings.Cut(rest, "/")
		if id == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		switch action {
		case "":
			if req.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			v.GetPatient(w, req, id)
		case "monitor":
			switch req.Method {
			case http.MethodPost:
				v.Monitor(w, req, id)
			case http.MethodDelete:
				v.Release(w, req, id)
			default:
				w.WriteHeader(http.StatusMethodNotAllowed)
			}
		case "history":
			if req.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			v.History(w, req, id)
		case "history/latest":
			if req.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			v.LatestHistory(w, req, id)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	r.Handle("/vitals/api/v1/history/latest", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		v.LatestHistoryFor(w, req)
	})

	if live != nil {
		r.Handle("/vitals/api/v1/live", live.ServeWS)
	}
}
