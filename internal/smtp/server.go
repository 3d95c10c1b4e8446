package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/courier-mta/courierd/internal/config"
	"github.com/courier-mta/courierd/internal/logging"
)

// Server wraps the go-smtp servers for the three listener ports: 25 (MX),
// 587 (submission with STARTTLS) and 465 (implicit TLS).
type Server struct {
	smtpServer *smtp.Server
	config     *config.Config
	logger     *logging.Logger

	mxListener  net.Listener
	subListener net.Listener
	sslListener net.Listener
}

// NewServer creates the SMTP server around a backend.
func NewServer(backend *Backend, cfg *config.Config, tlsConfig *tls.Config, logger *logging.Logger) *Server {
	srv := smtp.NewServer(backend)
	srv.Domain = cfg.Server.Hostname
	srv.ReadTimeout = 60 * time.Second
	srv.WriteTimeout = 60 * time.Second
	srv.MaxMessageBytes = cfg.Limits.MaxMessageSize
	srv.MaxRecipients = cfg.Limits.MaxRecipientsPerMessage
	srv.AllowInsecureAuth = !cfg.TLS.RequireTLS
	srv.EnableSMTPUTF8 = false

	if tlsConfig != nil && cfg.TLS.EnableSTARTTLS {
		srv.TLSConfig = tlsConfig
	}

	return &Server{
		smtpServer: srv,
		config:     cfg,
		logger:     logger.SMTP(),
	}
}

// ListenAndServe starts the MX listener on smtp_port.
func (s *Server) ListenAndServe() error {
	addr := net.JoinHostPort(s.config.Server.IP, fmt.Sprintf("%d", s.config.Server.SMTPPort))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mxListener = listener
	s.logger.Info("SMTP server listening", "addr", addr)

	go func() {
		if err := s.smtpServer.Serve(listener); err != nil {
			s.logger.Error("SMTP server error", "error", err.Error())
		}
	}()
	return nil
}

// ListenAndServeSubmission starts the submission listener on smtp_tls_port.
func (s *Server) ListenAndServeSubmission() error {
	addr := net.JoinHostPort(s.config.Server.IP, fmt.Sprintf("%d", s.config.Server.SMTPTLSPort))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.subListener = listener
	s.logger.Info("SMTP submission server listening", "addr", addr)

	go func() {
		if err := s.smtpServer.Serve(listener); err != nil {
			s.logger.Error("SMTP submission server error", "error", err.Error())
		}
	}()
	return nil
}

// ListenAndServeSSL starts the implicit-TLS listener on smtp_ssl_port.
// It is a no-op unless TLS material is configured and STARTTLS is enabled.
func (s *Server) ListenAndServeSSL() error {
	if s.smtpServer.TLSConfig == nil {
		return nil
	}

	addr := net.JoinHostPort(s.config.Server.IP, fmt.Sprintf("%d", s.config.Server.SMTPSSLPort))

	listener, err := tls.Listen("tcp", addr, s.smtpServer.TLSConfig)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.sslListener = listener
	s.logger.Info("SMTPS server listening", "addr", addr)

	go func() {
		if err := s.smtpServer.Serve(listener); err != nil {
			s.logger.Error("SMTPS server error", "error", err.Error())
		}
	}()
	return nil
}

// Close stops every listener and then closes the go-smtp server, which
// ends open connections immediately; sessions are not drained to a command
// boundary first.
func (s *Server) Close() error {
	for _, l := range []net.Listener{s.mxListener, s.subListener, s.sslListener} {
		if l != nil {
			l.Close()
		}
	}
	if s.smtpServer != nil {
		return s.smtpServer.Close()
	}
	return nil
}
