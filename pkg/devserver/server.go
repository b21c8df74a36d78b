// Package devserver serves the project directory during development. Besides static files it proxies
// the backend, blocks raw plugin templates and pushes live reload notifications.
package devserver

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/gorilla/mux"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/unrolled/secure"
)

// LiveReloadPath is the websocket endpoint LiveReload clients connect to
const LiveReloadPath = "/livereload"

// Options configure a Server
type Options struct {
	Root        string
	Address     string
	LiveReload  string
	Fallback    string
	ProxyPath   string
	ProxyTarget string
	Logger      *zerolog.Logger
}

// Server is the development HTTP server
type Server struct {
	opts     Options
	reloader *LiveReload
	handler  http.Handler

	lock      sync.Mutex
	servers   []*http.Server
	listeners []net.Listener
}

// New prepares a server. Nothing is listening until Start() is called.
func New(opts Options) (*Server, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	opts.Root = root

	if opts.Fallback == "" {
		opts.Fallback = "index.html"
	}

	if opts.Logger == nil {
		logger := zerolog.Nop()
		opts.Logger = &logger
	}

	s := &Server{
		opts:     opts,
		reloader: NewLiveReload(),
	}

	r := mux.NewRouter()
	r.Handle(LiveReloadPath, s.reloader)

	if opts.ProxyPath != "" {
		target, err := url.Parse(opts.ProxyTarget)
		if err != nil {
			return nil, eris.Wrapf(err, "invalid proxy target %s", opts.ProxyTarget)
		}

		// /jolokia and /jolokia/... but not /jolokiafoo
		prefix := strings.TrimSuffix(opts.ProxyPath, "/")
		proxy := http.StripPrefix(prefix, s.makeProxy(target))
		r.Path(prefix).Handler(proxy)
		r.PathPrefix(prefix + "/").Handler(proxy)
	}

	r.MatcherFunc(isPluginTemplate).HandlerFunc(s.blockTemplate)
	r.PathPrefix("/").Handler(http.HandlerFunc(s.serveStatic))

	sm := secure.New(secure.Options{
		IsDevelopment:      true,
		BrowserXssFilter:   true,
		ContentTypeNosniff: true,
	})

	s.handler = sm.Handler(MakeLogMiddleware(opts.Logger, r))
	return s, nil
}

// Handler returns the complete middleware chain
func (s *Server) Handler() http.Handler {
	return s.handler
}

// LiveReload returns the hub clients connect to
func (s *Server) LiveReload() *LiveReload {
	return s.reloader
}

// Reload notifies all live reload clients that path changed
func (s *Server) Reload(path string) int {
	count := s.reloader.Reload(path)
	s.opts.Logger.Info().Str("path", path).Int("clients", count).Msg("reload")
	return count
}

func (s *Server) makeProxy(target *url.URL) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		r.Host = target.Host
	}
	proxy.ErrorHandler = func(rw http.ResponseWriter, r *http.Request, err error) {
		Log(r.Context()).Error().Err(err).Str("target", target.String()).Msg("proxy request failed")
		rw.WriteHeader(http.StatusBadGateway)
	}
	return proxy
}

func isPluginTemplate(r *http.Request, _ *mux.RouteMatch) bool {
	return strings.HasPrefix(r.URL.Path, "/plugins/") && strings.HasSuffix(r.URL.Path, ".html")
}

func (s *Server) blockTemplate(rw http.ResponseWriter, r *http.Request) {
	Log(r.Context()).Warn().Str("path", r.URL.Path).Msg("blocked raw plugin template; templates are served from the bundle")
	http.NotFound(rw, r)
}

func (s *Server) serveStatic(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	file := filepath.Join(s.opts.Root, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
	info, err := os.Stat(file)
	if err == nil && info.IsDir() {
		file = filepath.Join(file, "index.html")
		info, err = os.Stat(file)
	}

	if err != nil || !info.Mode().IsRegular() {
		file = filepath.Join(s.opts.Root, s.opts.Fallback)
	}

	handle, err := os.Open(file)
	if err != nil {
		Log(r.Context()).Error().Err(err).Str("path", file).Msg("failed to open file")
		http.NotFound(rw, r)
		return
	}
	defer handle.Close()

	info, err = handle.Stat()
	if err != nil {
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	cw := &compressWriter{ResponseWriter: rw, r: r}
	defer cw.Close()

	http.ServeContent(cw, r, info.Name(), info.ModTime(), handle)
}

// compressWriter picks brotli or gzip from Accept-Encoding, but only for complete (200) responses
type compressWriter struct {
	http.ResponseWriter
	r           *http.Request
	cw          io.WriteCloser
	wroteHeader bool
}

func (w *compressWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true

	if status == http.StatusOK && w.r.Method == http.MethodGet && w.r.Header.Get("Range") == "" {
		w.Header().Del("Content-Length")
		w.cw = brotli.HTTPCompressor(w.ResponseWriter, w.r)
	}

	w.ResponseWriter.WriteHeader(status)
}

func (w *compressWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	if w.cw != nil {
		return w.cw.Write(p)
	}
	return w.ResponseWriter.Write(p)
}

func (w *compressWriter) Close() error {
	if w.cw != nil {
		return w.cw.Close()
	}
	return nil
}

func (s *Server) listen(ctx context.Context, addr string, handler http.Handler) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return eris.Wrapf(err, "failed to listen on %s", addr)
	}

	server := &http.Server{
		Handler: handler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s.lock.Lock()
	s.servers = append(s.servers, server)
	s.listeners = append(s.listeners, listener)
	s.lock.Unlock()

	s.opts.Logger.Info().Msgf("Listening on http://%s", listener.Addr())
	go func() {
		err := server.Serve(listener)
		if err != nil && !eris.Is(err, http.ErrServerClosed) {
			s.opts.Logger.Error().Err(err).Str("addr", addr).Msg("server stopped")
		}
	}()
	return nil
}

// Start opens the configured listeners and serves requests in the background
func (s *Server) Start(ctx context.Context) error {
	if err := s.listen(ctx, s.opts.Address, s.handler); err != nil {
		return err
	}

	if s.opts.LiveReload != "" {
		r := mux.NewRouter()
		r.Handle(LiveReloadPath, s.reloader)

		if err := s.listen(ctx, s.opts.LiveReload, MakeLogMiddleware(s.opts.Logger, r)); err != nil {
			s.Shutdown(ctx)
			return err
		}
	}

	return nil
}

// Addrs returns the addresses the server actually listens on
func (s *Server) Addrs() []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	result := make([]string, len(s.listeners))
	for idx, listener := range s.listeners {
		result[idx] = listener.Addr().String()
	}
	return result
}

// Shutdown stops all listeners and waits for active requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.lock.Lock()
	servers := s.servers
	s.servers = nil
	s.listeners = nil
	s.lock.Unlock()

	var result error
	for _, server := range servers {
		if err := server.Shutdown(ctx); err != nil && result == nil {
			result = err
		}
	}
	return result
}
