package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gordian-engine/xstream"
	"github.com/gordian-engine/xstream/behaviours/xecho"
	"github.com/gordian-engine/xstream/behaviours/xidentify"
	"github.com/gordian-engine/xstream/behaviours/xping"
	"github.com/gordian-engine/xstream/xcert"
	"github.com/gordian-engine/xstream/xconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// runningNode is a started node with every built-in protocol registered.
type runningNode struct {
	*xstream.Node

	Echo *xecho.Service
	Reg  *prometheus.Registry
}

func startNode(ctx context.Context, st *cliState) (*runningNode, error) {
	cfg := st.cfg
	if cfg.Cert == "" {
		return nil, errors.New("config must name a cert and key; see gen-cert")
	}

	tlsCert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load node certificate: %w", err)
	}
	if tlsCert.Leaf == nil {
		tlsCert.Leaf, err = x509.ParseCertificate(tlsCert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse node certificate: %w", err)
		}
	}

	cas := make([]*x509.Certificate, 0, len(cfg.CAs))
	for _, path := range cfg.CAs {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA %s: %w", path, err)
		}
		c, err := xcert.ParseCertificatePEM(b)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CA %s: %w", path, err)
		}
		cas = append(cas, c)
	}

	laddr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve listen address: %w", err)
	}
	uc, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	context.AfterFunc(ctx, func() {
		_ = uc.Close()
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	n, err := xstream.NewNode(ctx, st.log.With("sys", "node"), xstream.NodeConfig{
		UDPConn: uc,
		QUIC:    xstream.DefaultQUICConfig(),
		TLS: &tls.Config{
			Certificates: []tls.Certificate{tlsCert},
			ClientAuth:   tls.RequireAndVerifyClientCert,
		},

		InitialTrustedCAs: cas,

		Adapter:               cfg.AdapterConfig(),
		StreamProtocolTimeout: cfg.ProtocolTimeout,
		Metrics:               xconn.NewMetrics(reg),
	})
	if err != nil {
		return nil, err
	}

	rn := &runningNode{
		Node: n,
		Echo: xecho.NewService(st.log.With("sys", "echo")),
		Reg:  reg,
	}

	n.SetStreamHandler(xping.ProtocolID, xping.Serve)
	n.SetStreamHandler(xecho.ProtocolID, rn.Echo.Serve)
	n.SetStreamHandler(xidentify.ProtocolID, xidentify.Service{
		Log:   st.log.With("sys", "identify"),
		Local: n,
	}.Serve)

	st.log.Info("Node started", "id", n.ID().Hex(), "addr", n.LocalAddr())
	return rn, nil
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metricsHandler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

func newListenCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Run a node that serves ping, echo, and identify until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, ctx := errgroup.WithContext(cmd.Context())

			n, err := startNode(ctx, st)
			if err != nil {
				return err
			}
			defer n.Wait()

			if addr := st.cfg.Metrics; addr != "" {
				g.Go(func() error {
					return serveMetrics(ctx, addr, n.Reg)
				})
			}

			g.Go(func() error {
				for e := range n.Events().All(ctx) {
					switch e := e.(type) {
					case xstream.PeerConnected:
						st.log.Info("Peer connected", "peer", e.Peer, "addr", e.Addr, "dir", e.Direction)
					case xstream.PeerDisconnected:
						st.log.Info("Peer disconnected", "peer", e.Peer, "cause", e.Cause)
					}
				}
				return nil
			})

			g.Go(func() error {
				for m := range n.Echo.Events().All(ctx) {
					st.log.Debug("Echoed message", "peer", m.Peer, "stream", m.StreamID, "size", len(m.Data))
				}
				return nil
			})

			return g.Wait()
		},
	}
}
