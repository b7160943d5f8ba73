// Package broker implements the central message broker: it accepts TCP
// connections, drives each one's registration handshake, and wires
// registered sessions to the router and registry for the lifetime of the
// connection. One goroutine accepts; each connection gets a read loop and
// a write pump of its own, with all routing decisions funneled through
// the router's serialized core.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/conclave-dev/partyline/internal/config"
	"github.com/conclave-dev/partyline/internal/monitor"
	"github.com/conclave-dev/partyline/internal/plog"
	"github.com/conclave-dev/partyline/internal/registry"
	"github.com/conclave-dev/partyline/internal/router"
	"github.com/conclave-dev/partyline/internal/session"
	"github.com/conclave-dev/partyline/internal/wire"
)

// Server is the broker's TCP listener and connection supervisor.
type Server struct {
	addr string
	log  *plog.Logger

	registry *registry.Registry
	router   *router.Router
	monitor  *monitor.Monitor

	listener net.Listener
	ready    chan struct{}
}

// New builds a Server from configuration. log may be nil, in which case
// the server logs nothing (useful for tests).
func New(cfg *config.Config, log *plog.Logger) *Server {
	reg := registry.New()
	rt := router.New(reg, router.Config{
		MaxClarificationQueue: cfg.Queues.MaxClarification,
		MaxYapBuffer:          cfg.Queues.MaxYapBuffer,
		YapBufferDelay:        time.Duration(cfg.Timeouts.YapBufferMs) * time.Millisecond,
	})
	mon := monitor.New(reg, monitor.Config{
		SweepInterval: time.Duration(cfg.Timeouts.HeartbeatMs) * time.Millisecond,
		ClientTimeout: time.Duration(cfg.Timeouts.ClientMs) * time.Millisecond,
	})

	return &Server{
		addr:     cfg.Broker.Port,
		log:      log,
		registry: reg,
		router:   rt,
		monitor:  mon,
		ready:    make(chan struct{}),
	}
}

// Addr returns the address the listener bound to, once Start has
// succeeded; useful when Port was ":0". Callers that need to block until
// the listener is bound should wait on Ready first.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Ready closes once the listener has bound, or never closes if Start
// fails before binding.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Start binds the listener and runs the accept loop until ctx is
// cancelled, at which point it stops accepting and returns nil.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	close(s.ready)

	go s.monitor.Run()

	go func() {
		<-ctx.Done()
		s.monitor.Stop()
		ln.Close()
	}()

	s.logInfo("broker listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logError("accept error: %v", err)
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	sess := session.New(conn)
	go sess.Pump()
	defer sess.Close()

	var env *wire.Envelope
	for {
		var err error
		env, err = sess.Reader().Decode()
		if err != nil {
			var decErr *wire.DecodeError
			if errors.As(err, &decErr) {
				s.sendError(sess, decErr.Error())
				continue
			}
			return
		}
		break
	}
	if env.Type != wire.KindRegister {
		s.sendErrorNow(sess, "first envelope must be register")
		return
	}

	var reg wire.RegisterPayload
	if err := env.UnmarshalData(&reg); err != nil || reg.ClientID == "" {
		s.sendErrorNow(sess, "invalid register payload")
		return
	}
	if reg.Role != wire.RoleProducer && reg.Role != wire.RoleConsumer {
		s.sendErrorNow(sess, "invalid role")
		return
	}

	sess.ClientID = reg.ClientID
	sess.Role = reg.Role
	sess.ClientType = env.ClientType

	if err := s.registry.Put(sess); err != nil {
		s.sendErrorNow(sess, "client id already registered")
		return
	}
	defer s.onDisconnect(sess)

	syncEnv, err := wire.New(wire.KindSync, sess.ClientID, wire.ClientCLI, wire.SyncPayload{Status: "registered"})
	if err != nil {
		return
	}
	sess.Send(syncEnv)
	s.logInfo("registered %s (%s)", sess.ClientID, sess.Role)

	if sess.Role == wire.RoleConsumer {
		s.router.Advance(sess.ClientID)
	}

	s.readLoop(sess)
}

// readLoop decodes envelopes from sess until the connection closes or the
// stream fails; each malformed line is reported with an error envelope and
// the connection stays open.
func (s *Server) readLoop(sess *session.Session) {
	for {
		env, err := sess.Reader().Decode()
		if err != nil {
			if err == io.EOF {
				return
			}
			var decErr *wire.DecodeError
			if errors.As(err, &decErr) {
				s.sendError(sess, decErr.Error())
				continue
			}
			return
		}

		sess.Touch()

		switch env.Type {
		case wire.KindRegister:
			// Registration errors close the connection, same as a bad
			// handshake; write the error synchronously so it isn't lost
			// with the close.
			s.sendErrorNow(sess, "already registered")
			return
		case wire.KindHeartbeat:
			// Touch above already recorded liveness; nothing else to do.
		case wire.KindClarification:
			s.handleClarification(sess, env)
		case wire.KindYap:
			s.handleYap(sess, env)
		case wire.KindResponse:
			s.handleResponse(sess, env)
		default:
			s.sendError(sess, fmt.Sprintf("unsupported envelope type: %s", env.Type))
		}
	}
}

func (s *Server) handleClarification(sess *session.Session, env *wire.Envelope) {
	var req wire.Clarification
	if err := env.UnmarshalData(&req); err != nil {
		s.sendError(sess, "invalid clarification payload")
		return
	}

	_, err := s.router.RouteClarification(env.Data, req, sess.ClientID)
	if err != nil {
		resp := wire.Response{RequestID: req.ID, Error: err.Error()}
		respEnv, buildErr := wire.New(wire.KindResponse, "broker", wire.ClientCLI, resp)
		if buildErr == nil {
			sess.Send(respEnv)
		}
	}
}

func (s *Server) handleYap(sess *session.Session, env *wire.Envelope) {
	var yap wire.Yap
	if err := env.UnmarshalData(&yap); err != nil {
		s.sendError(sess, "invalid yap payload")
		return
	}
	s.router.RouteYap(env.Data, yap, sess.ClientID)
}

func (s *Server) handleResponse(sess *session.Session, env *wire.Envelope) {
	var resp wire.Response
	if err := env.UnmarshalData(&resp); err != nil {
		s.sendError(sess, "invalid response payload")
		return
	}
	s.router.HandleReply(env.Data, resp.RequestID, resp.Response, sess.ClientID)
}

func (s *Server) onDisconnect(sess *session.Session) {
	s.registry.Remove(sess.ClientID)
	switch sess.Role {
	case wire.RoleConsumer:
		s.router.ConsumerLost(sess.ClientID)
	case wire.RoleProducer:
		s.router.ProducerLost(sess.ClientID)
	}
	s.logInfo("disconnected %s (%s)", sess.ClientID, sess.Role)
}

func (s *Server) sendError(sess *session.Session, reason string) {
	env, err := wire.New(wire.KindError, "broker", wire.ClientCLI, wire.ErrorPayload{Error: reason})
	if err != nil {
		return
	}
	sess.Send(env)
}

// sendErrorNow writes the error envelope synchronously, for error-and-close
// paths where the connection won't live long enough for a queued write.
func (s *Server) sendErrorNow(sess *session.Session, reason string) {
	env, err := wire.New(wire.KindError, "broker", wire.ClientCLI, wire.ErrorPayload{Error: reason})
	if err != nil {
		return
	}
	sess.SendNow(env)
}

func (s *Server) logInfo(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Info(format, args...)
	}
}

func (s *Server) logError(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Error(format, args...)
	}
}
