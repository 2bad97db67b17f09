// Package web has the HTTP inference service and the training monitor.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jnb666/demos/pipeline"
	"github.com/jnb666/demos/textdata"
	"go.uber.org/zap"
)

// Unknown is returned by the inference endpoint for any label other than LABEL_0 or LABEL_1.
const Unknown = "Unknown"

var resultMap = map[string]int{"LABEL_1": 1, "LABEL_0": 0}

// ClassifierSource returns the pipeline used to run inference.
type ClassifierSource interface {
	Get() (pipeline.Classifier, error)
}

// SplitLoader loads a labelled dataset split by name.
type SplitLoader interface {
	Load(ctx context.Context, split string) (*textdata.Split, error)
}

// Server handles the inference and dataset check requests.
type Server struct {
	pipe ClassifierSource
	data SplitLoader
	log  *zap.SugaredLogger
	auth *AuthMiddleware
}

// CheckResult is the response from the check endpoint.
type CheckResult struct {
	Rows       int     `json:"Total rows in dataset"`
	Successful int     `json:"Total number of succesful predictions"`
	Percentage float64 `json:"Success percentage"`
}

type inferRequest struct {
	Data *string `json:"data"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// NewServer creates a server using the given pipeline and dataset.
func NewServer(pipe ClassifierSource, data SplitLoader, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{pipe: pipe, data: data, log: log}
}

// WithAuth requires basic auth for all requests other than the health check.
func (s *Server) WithAuth(user, password string) *Server {
	mw := NewAuthMiddleware(user, password, s.log)
	s.auth = &mw
	return s
}

// Router returns the handler with the service routes. The request logger wraps the whole router
// so unmatched requests are logged too.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.Health).Methods(http.MethodGet)
	api := r.NewRoute().Subrouter()
	if s.auth != nil {
		api.Use(s.auth.Middleware)
	}
	api.HandleFunc("/infer", s.Infer).Methods(http.MethodPost)
	api.HandleFunc("/check/{splitName}", s.Check).Methods(http.MethodGet)
	for _, router := range []*mux.Router{r, api} {
		router.NotFoundHandler = http.HandlerFunc(notFound)
		router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	}
	return RequestLogger(s.log)(r)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorResponse{"Not Found"})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{"Method Not Allowed"})
}

// Predict classifies the text and maps the top label to 1, 0 or Unknown.
func (s *Server) Predict(log *zap.SugaredLogger, text string) (any, error) {
	clf, err := s.pipe.Get()
	if err != nil {
		return nil, err
	}
	p, err := clf.Classify(text)
	if err != nil {
		return nil, err
	}
	log.Debugf("Mapping inference result %s to label", p.Label)
	if val, ok := resultMap[p.Label]; ok {
		return val, nil
	}
	return Unknown, nil
}

// Handler for POST /infer
func (s *Server) Infer(w http.ResponseWriter, r *http.Request) {
	log := Logger(r.Context(), s.log)
	var req inferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{"invalid request body: " + err.Error()})
		return
	}
	if req.Data == nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{"field required: data"})
		return
	}
	res, err := s.Predict(log, *req.Data)
	if err != nil {
		s.internalError(w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Handler for GET /check/{splitName}
func (s *Server) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := Logger(ctx, s.log)
	name := mux.Vars(r)["splitName"]
	split, err := s.data.Load(ctx, name)
	if errors.Is(err, textdata.ErrSplitNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
		return
	} else if err != nil {
		s.internalError(w, log, err)
		return
	}
	res, err := s.check(ctx, log, split)
	if err != nil {
		if ctx.Err() != nil {
			log.Warnw("check cancelled", "split", name, "error", err)
			return
		}
		s.internalError(w, log, err)
		return
	}
	log.Infow("check complete", "split", name, "rows", res.Rows, "successful", res.Successful)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) check(ctx context.Context, log *zap.SugaredLogger, split *textdata.Split) (CheckResult, error) {
	res := CheckResult{Rows: split.Len()}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for _, row := range split.Shuffled(rng) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		inferred, err := s.Predict(log, row.Text)
		if err != nil {
			return res, err
		}
		if val, ok := inferred.(int); ok && val == row.Label {
			res.Successful++
		}
		log.Debugf("Inference Result: %v. Expected result: %d", inferred, row.Label)
	}
	if res.Rows > 0 {
		res.Percentage = float64(res.Successful) * 100 / float64(res.Rows)
	}
	return res, nil
}

// Handler for GET /healthz
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := s.pipe.Get(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) internalError(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	log.Errorw("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
