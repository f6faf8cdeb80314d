package xhttp

import (
	"os"
	"os/signal"
	"reflect"
	"runtime"
	"slices"
	"syscall"
	"time"

	"github.com/quizwire/trivia-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

var (
	defaultReadBufferSize  = 1024 * 4
	defaultWriteBufferSize = 1024 * 4
	defaultReadTimeout     = time.Millisecond * 2500
	defaultWriteTimeout    = time.Millisecond * 2500
)

type Server = fasthttp.Server

type ServerOption struct {
	Handler RequestHandler

	// idle connections held open too long exhaust file descriptors
	IdleTimeout time.Duration

	MaxIdleWorkerDuration time.Duration
	TCPKeepalivePeriod    time.Duration

	// request bodies above this are rejected outright
	MaxRequestBodySize int

	ReadBufferSize  int
	WriteBufferSize int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	Concurrency     int
	MaxConnsPerIP   int

	ErrorHandler          func(ctx *RequestCtx, err error)
	Name                  string
	DisableKeepalive      bool
	TCPKeepalive          bool
	NoDefaultServerHeader bool
	NoDefaultDate         bool
	NoDefaultContentType  bool
	CloseOnShutdown       bool
	Logger                logger.Logger
}

var DefaultServerOption = ServerOption{
	Handler: func(ctx *RequestCtx) {
		ctx.Error(StatusText(StatusNotFound), StatusNotFound)
	},
	IdleTimeout:           time.Second * 10,
	MaxIdleWorkerDuration: time.Minute * 1,
	TCPKeepalivePeriod:    time.Minute * 120,
	MaxRequestBodySize:    4 * 1024 * 1024,
	ReadBufferSize:        defaultReadBufferSize,
	WriteBufferSize:       defaultWriteBufferSize,
	ReadTimeout:           defaultReadTimeout,
	WriteTimeout:          defaultWriteTimeout,
	Concurrency:           30_000,
	MaxConnsPerIP:         10_000,
	ErrorHandler: func(ctx *RequestCtx, err error) {
		ctx.Logger().Printf("[xhttp] error: %s", err)
	},
	TCPKeepalive:          true,
	NoDefaultServerHeader: true,
	NoDefaultDate:         true,
	NoDefaultContentType:  true,
	CloseOnShutdown:       true,
	Logger:                logger.GetLogger(),
}

type Engine struct {
	*Router
	*Server
	option ServerOption
	middle []MiddlewareFunc
}

func newServer(options ServerOption) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:               options.Handler,
		ErrorHandler:          options.ErrorHandler,
		Name:                  options.Name,
		Concurrency:           options.Concurrency,
		ReadBufferSize:        options.ReadBufferSize,
		WriteBufferSize:       options.WriteBufferSize,
		ReadTimeout:           options.ReadTimeout,
		WriteTimeout:          options.WriteTimeout,
		IdleTimeout:           options.IdleTimeout,
		MaxConnsPerIP:         options.MaxConnsPerIP,
		MaxIdleWorkerDuration: options.MaxIdleWorkerDuration,
		TCPKeepalivePeriod:    options.TCPKeepalivePeriod,
		MaxRequestBodySize:    options.MaxRequestBodySize,
		DisableKeepalive:      options.DisableKeepalive,
		TCPKeepalive:          options.TCPKeepalive,
		NoDefaultServerHeader: options.NoDefaultServerHeader,
		NoDefaultDate:         options.NoDefaultDate,
		NoDefaultContentType:  options.NoDefaultContentType,
		CloseOnShutdown:       options.CloseOnShutdown,
		Logger:                options.Logger,
	}
}

func NewServer(options ServerOption) *Engine {
	return &Engine{
		Server: newServer(options),
		Router: NewRouter(),
		option: options,
	}
}

func CreateServer() *Engine {
	s := NewServer(DefaultServerOption)
	s.Router = CreateDefaultRouter()
	s.Server.Logger = logger.GetLogger()
	return s
}

func (e *Engine) ListenAndServe(addr string) error {
	if err := e.DoRouting(); err != nil {
		return err
	}
	e.Server.Logger.Printf("[xhttp] server is listening on %s", addr)
	if err := e.Server.ListenAndServe(addr); err != nil {
		return err
	}
	return nil
}

func (e *Engine) DoRouting() error {
	for method, route := range e.Router.List() {
		for _, r := range route {
			e.Server.Logger.Printf("[xhttp] method: %s, path: %s", method, r)
		}
	}
	e.Server.Handler = e.Router.Handler

	// middlewares run in registration order, so wrap in reverse
	slices.Reverse(e.middle)
	for i, m := range e.middle {
		e.Server.Handler = m(e.Server.Handler)
		e.Server.Logger.Printf("[xhttp] middleware %d registered - %s", i+1, runtime.FuncForPC(reflect.ValueOf(m).Pointer()).Name())
	}
	return nil
}

func (e *Engine) CloseOnSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig
		e.Shutdown()
	}()
}

// Use adds middleware to the chain which is run for every request.
func (e *Engine) Use(middleware MiddlewareFunc) {
	e.middle = append(e.middle, middleware)
}

// Shutdown gracefully shuts down the server without interrupting
// any active connections.
func (e *Engine) Shutdown() {
	e.Server.Logger.Printf("[xhttp] server is shutting down, process id: %d", os.Getpid())
	if err := e.Server.Shutdown(); err != nil {
		e.Server.Logger.Printf("[xhttp] error while shutting down: %v", err)
	}
}
