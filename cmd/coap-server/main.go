// Command coap-server serves a small set of resources over UDP, TCP and
// optionally DTLS. It is configured through environment variables, which may
// be placed in a .env file.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pion/dtls/v2"
	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/message/codes"
	coapNet "github.com/plgd-dev/go-coap-engine/net"
	"github.com/plgd-dev/go-coap-engine/options/config"
	"github.com/plgd-dev/go-coap-engine/pkg/metrics"
	"github.com/plgd-dev/go-coap-engine/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "COAP_"

type listeners struct {
	UDPAddr     string        `env:"UDP_ADDR" envDefault:":5683"`
	TCPAddr     string        `env:"TCP_ADDR" envDefault:":5683"`
	DTLSAddr    string        `env:"DTLS_ADDR"`
	DTLSPSK     string        `env:"DTLS_PSK"`
	MetricsAddr string        `env:"METRICS_ADDR"`
	TimeEvery   time.Duration `env:"TIME_NOTIFY_INTERVAL" envDefault:"5s"`
}

func main() {
	lf := logging.NewDefaultLoggerFactory()
	log := lf.NewLogger("coap-server")

	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found, using environment variables")
	}
	if err := run(lf, log); err != nil {
		log.Errorf("terminated with error: %v", err)
		os.Exit(1)
	}
	log.Info("stopped")
}

func run(lf logging.LoggerFactory, log logging.LeveledLogger) error {
	cfg, err := config.FromEnv(envPrefix)
	if err != nil {
		return err
	}
	cfg.LoggerFactory = lf
	var l listeners
	if err = env.ParseWithOptions(&l, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("cannot parse listeners: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	var m *metrics.Metrics
	if l.MetricsAddr != "" {
		m = metrics.New("coap")
		startMetrics(g, ctx, l.MetricsAddr, m, log)
	}
	res := newResources()

	var servers []*server.Server
	if l.UDPAddr != "" {
		tr := coapNet.NewUDPTransport(coapNet.UDPTransportConfig{Network: "udp", Addr: l.UDPAddr, LoggerFactory: lf})
		s, err := server.New(cfg, tr, res.options(m)...)
		if err != nil {
			return err
		}
		servers = append(servers, s)
	}
	if l.TCPAddr != "" {
		tr := coapNet.NewTCPTransport(coapNet.TCPTransportConfig{Network: "tcp", Addr: l.TCPAddr, GoPool: cfg.GoPool, LoggerFactory: lf})
		s, err := server.NewTCP(cfg, tr, res.options(m)...)
		if err != nil {
			return err
		}
		servers = append(servers, s)
	}
	if l.DTLSAddr != "" {
		if l.DTLSPSK == "" {
			return errors.New("COAP_DTLS_PSK is required with COAP_DTLS_ADDR")
		}
		psk := []byte(l.DTLSPSK)
		tr := coapNet.NewDTLSTransport(coapNet.DTLSTransportConfig{
			Network: "udp",
			Addr:    l.DTLSAddr,
			Config: &dtls.Config{
				PSK: func([]byte) ([]byte, error) {
					return psk, nil
				},
				CipherSuites:         []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8},
				ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
			},
			GoPool:        cfg.GoPool,
			LoggerFactory: lf,
		})
		s, err := server.New(cfg, tr, res.options(m)...)
		if err != nil {
			return err
		}
		servers = append(servers, s)
	}

	for _, s := range servers {
		if err := s.Start(ctx); err != nil {
			return err
		}
		res.servers = append(res.servers, s)
		g.Go(s.Wait)
	}
	g.Go(func() error {
		res.tick(ctx, l.TimeEvery)
		return nil
	})
	<-ctx.Done()
	for _, s := range servers {
		_ = s.Stop()
	}
	return g.Wait()
}

func startMetrics(g *errgroup.Group, ctx context.Context, addr string, m *metrics.Metrics, log logging.LeveledLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		log.Infof("metrics on %v", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// resources serves /hello, an observable /time and /echo.
type resources struct {
	servers []*server.Server
}

func newResources() *resources {
	return &resources{}
}

func (r *resources) options(m *metrics.Metrics) []server.Option {
	opts := []server.Option{
		server.WithRoute(r.route),
		server.WithETag(message.CalcETag),
		server.WithRequestLogging(),
	}
	if m != nil {
		opts = append(opts, server.WithMetrics(m))
	}
	return opts
}

func (r *resources) route(_ context.Context, req message.Request) (message.Response, error) {
	switch req.Path() {
	case "/hello":
		if req.Method() != codes.GET {
			return message.NewResponse(codes.MethodNotAllowed), nil
		}
		return message.NewResponse(codes.Content).WithContentFormat(message.TextPlain).WithPayload([]byte("hello world")), nil
	case "/time":
		if req.Method() != codes.GET {
			return message.NewResponse(codes.MethodNotAllowed), nil
		}
		now := time.Now().UTC().Format(time.RFC3339)
		return message.NewResponse(codes.Content).WithContentFormat(message.TextPlain).WithPayload([]byte(now)), nil
	case "/echo":
		if req.Method() != codes.POST && req.Method() != codes.PUT {
			return message.NewResponse(codes.MethodNotAllowed), nil
		}
		return message.NewResponse(codes.Changed).WithPayload(req.Payload()), nil
	}
	return message.NewResponse(codes.NotFound), nil
}

func (r *resources) tick(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, s := range r.servers {
				s.Notify(ctx, "/time")
			}
		}
	}
}
