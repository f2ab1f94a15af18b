package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/coopsync/coopsync/internal/config"
	"github.com/coopsync/coopsync/internal/transport"
	"github.com/coopsync/coopsync/internal/transport/quic"
	"github.com/coopsync/coopsync/internal/transport/websocket"
)

func newTransport(cfg config.TransportConfig, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Type {
	case "websocket":
		return websocket.New(websocket.Options{Address: cfg.Address, Logger: logger}), nil

	case "quic", "":
		tlsConfig, err := quicTLS(cfg, logger)
		if err != nil {
			return nil, err
		}
		return quic.New(quic.Options{Address: cfg.Address, TLSConfig: tlsConfig, Logger: logger}), nil

	default:
		return nil, fmt.Errorf("unknown transport type: %q", cfg.Type)
	}
}

func quicTLS(cfg config.TransportConfig, logger *slog.Logger) (tlsConfig *tls.Config, err error) {
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsConfig, err = quic.LoadTLS(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		return tlsConfig, nil
	}
	logger.Warn("No TLS certificate configured, using a self-signed one")
	tlsConfig, err = quic.SelfSignedTLS()
	if err != nil {
		return nil, fmt.Errorf("generating self-signed certificate: %w", err)
	}
	return tlsConfig, nil
}
