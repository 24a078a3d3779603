package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/manifest"
	"github.com/wippyai/wasm-host/runtime"
)

// maxBody caps request bodies accepted by the server.
const maxBody = 16 << 20

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		addr    string
		origins []string
	)

	cmd := &cobra.Command{
		Use:   "serve [manifest...]",
		Short: "Expose plugin exports over HTTP",
		Long: "Load the given manifests plus those listed in the config file and serve\n" +
			"POST /plugins/{name}/call/{export} with the request body as input.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("addr") && root.cfg.Serve.Addr != "" {
				addr = root.cfg.Serve.Addr
			}
			if !cmd.Flags().Changed("origin") && len(root.cfg.Serve.Origins) > 0 {
				origins = root.cfg.Serve.Origins
			}

			paths := append(append([]string{}, root.cfg.Plugins...), args...)
			if len(paths) == 0 {
				return errors.InvalidInput(errors.PhaseConfig, "no plugins to serve")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hc := runtime.Open(runtime.WithStderr(os.Stderr))
			defer hc.Close(context.Background())

			if err := loadManifests(ctx, hc, paths); err != nil {
				return err
			}
			return listen(ctx, addr, newServer(hc, origins))
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringSliceVar(&origins, "origin", []string{"*"}, "allowed CORS origins")
	return cmd
}

// loadManifests loads each manifest into hc. Plugin names must be unique
// since they address plugins in URLs.
func loadManifests(ctx context.Context, hc *runtime.Context, paths []string) error {
	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		m, err := manifest.Load(path)
		if err != nil {
			return err
		}
		name := m.PluginName()
		if prev, dup := seen[name]; dup {
			return errors.InvalidInput(errors.PhaseConfig,
				fmt.Sprintf("plugin name %q used by %s and %s", name, prev, path))
		}
		seen[name] = path

		p, err := hc.PluginFromManifest(ctx, m)
		if err != nil {
			return err
		}
		runtime.Logger().Info("plugin loaded",
			zap.String("plugin", p.Name()),
			zap.String("id", p.ID().String()),
			zap.Strings("exports", p.Exports()))
	}
	return nil
}

func listen(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		runtime.Logger().Info("server listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type server struct {
	hc *runtime.Context
}

func newServer(hc *runtime.Context, origins []string) http.Handler {
	s := &server{hc: hc}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Route("/plugins", func(r chi.Router) {
		r.Get("/", s.listPlugins)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.describePlugin)
			r.Post("/call/{export}", s.callExport)
			r.Post("/config", s.mergeConfig)
			r.Post("/reset", s.resetPlugin)
		})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		runtime.Logger().Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

type pluginInfo struct {
	Name    string   `json:"name"`
	ID      string   `json:"id"`
	Exports []string `json:"exports"`
}

type exportInfo struct {
	Name      string `json:"name"`
	Signature string `json:"signature"`
}

type pluginDetail struct {
	pluginInfo
	Imports []string          `json:"imports"`
	Funcs   []exportInfo      `json:"functions"`
	Config  map[string]string `json:"config"`
	WASI    bool              `json:"wasi"`
	MaxPage uint32            `json:"max_pages,omitempty"`
}

func describe(p *runtime.Plugin) pluginInfo {
	return pluginInfo{Name: p.Name(), ID: p.ID().String(), Exports: p.Exports()}
}

func (s *server) lookup(w http.ResponseWriter, r *http.Request) (*runtime.Plugin, bool) {
	name := chi.URLParam(r, "name")
	for _, p := range s.hc.Plugins() {
		if p.Name() == name {
			return p, true
		}
	}
	writeError(w, errors.NotFound(errors.PhaseRuntime, "plugin", name))
	return nil, false
}

func (s *server) listPlugins(w http.ResponseWriter, _ *http.Request) {
	plugins := s.hc.Plugins()
	out := make([]pluginInfo, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, describe(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) describePlugin(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	info := p.Info()
	cfg := p.Config()

	d := pluginDetail{
		pluginInfo: describe(p),
		Imports:    make([]string, 0, len(info.Imports)),
		Funcs:      make([]exportInfo, 0, len(info.Exports)),
		Config:     cfg.Values,
		WASI:       cfg.WASI,
		MaxPage:    cfg.Memory.MaxPages,
	}
	for _, imp := range info.Imports {
		d.Imports = append(d.Imports, imp.Key())
	}
	for _, exp := range info.Exports {
		d.Funcs = append(d.Funcs, exportInfo{Name: exp.Name, Signature: exp.Signature()})
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) callExport(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	input, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, errors.Wrap(errors.PhaseMarshal, errors.KindInvalidInput, err, "read request body"))
		return
	}

	out, err := p.Call(r.Context(), chi.URLParam(r, "export"), input)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *server) mergeConfig(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	patch, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "read request body"))
		return
	}
	if err := p.MergeConfig(patch); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Config().Values)
}

func (s *server) resetPlugin(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := p.Reset(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := errors.KindOf(err)
	writeJSON(w, statusOf(kind), map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

// statusOf maps an error kind to an HTTP status.
func statusOf(kind errors.Kind) int {
	switch kind {
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindInvalidInput, errors.KindInvalidData, errors.KindTypeMismatch, errors.KindUnsupported:
		return http.StatusBadRequest
	case errors.KindGuest:
		return http.StatusUnprocessableEntity
	case errors.KindMemoryLimit:
		return http.StatusInsufficientStorage
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	case errors.KindReentrant:
		return http.StatusConflict
	case errors.KindClosed, errors.KindContextClosed:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
