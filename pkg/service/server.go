// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-forwarder/pkg/config"
)

// StatusServer exposes the metrics and the live report of a replay.
type StatusServer struct {
	conf       *config.Config
	replay     *Replay
	httpServer *http.Server
	running    atomic.Bool
	doneChan   chan struct{}
	closedChan chan struct{}
}

func NewStatusServer(conf *config.Config, replay *Replay) *StatusServer {
	s := &StatusServer{
		conf:   conf,
		replay: replay,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/report", s.handleReport)
	mux.HandleFunc("/healthz", s.handleHealth)

	middlewares := []negroni.Handler{
		// always the first
		negroni.NewRecovery(),
		cors.New(cors.Options{
			AllowedMethods: []string{http.MethodGet},
		}),
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
		Handler: configureMiddlewares(mux, middlewares...),
	}
	return s
}

// Handler is the router, with middlewares, served by Start.
func (s *StatusServer) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *StatusServer) IsRunning() bool {
	return s.running.Load()
}

// Start blocks until Stop is called.
func (s *StatusServer) Start() error {
	if s.running.Load() {
		return ErrStatusServerRunning
	}

	// ensure we could listen
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	s.doneChan = make(chan struct{})
	s.closedChan = make(chan struct{})
	defer close(s.closedChan)

	go func() {
		logger.Infow("starting status server", "address", s.httpServer.Addr)
		if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
			logger.Errorw("could not serve status", err)
		}
	}()
	s.running.Store(true)

	<-s.doneChan

	// wait for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
	return nil
}

func (s *StatusServer) Stop() {
	if !s.running.Swap(false) {
		return
	}
	close(s.doneChan)
	<-s.closedChan
}

func (s *StatusServer) handleReport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = ReportFormatJSON
	}

	switch format {
	case ReportFormatJSON:
		w.Header().Set("Content-Type", "application/json")
	case ReportFormatYAML:
		w.Header().Set("Content-Type", "application/yaml")
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}

	if err := s.replay.Report().Render(w, format); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func configureMiddlewares(handler http.Handler, middlewares ...negroni.Handler) *negroni.Negroni {
	n := negroni.New()
	for _, m := range middlewares {
		n.Use(m)
	}
	n.UseHandler(handler)
	return n
}
