package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	std_errors "errors"
	"fmt"
	"image/png"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"mmapdisplay/internal/errors"
	"mmapdisplay/internal/logging"
	"mmapdisplay/internal/protocol"
	"mmapdisplay/internal/session"
	"mmapdisplay/internal/types"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"
)

// CapturerFactory creates a screen capturer.
type CapturerFactory func(fps int) (types.MediaCapturer, error)

// Config holds all server configuration.
type Config struct {
	Addr       string // HTTP listen address, disabled when empty
	SocketPath string // unix control socket, disabled when empty
	Token      string
	FPS        int
	Stats      bool

	// TLS serves HTTPS when set.
	TLS *tls.Config

	OfferTimeout     time.Duration
	HandshakeTimeout time.Duration

	// IncludeLoopback offers loopback ICE candidates, for peers on the
	// same host without another interface.
	IncludeLoopback bool

	Session     session.Config
	NewCapturer CapturerFactory
	Logger      *logging.ContextLogger
}

type Server struct {
	cfg    Config
	logger *logging.ContextLogger
	api    *webrtc.API

	mu       sync.Mutex
	sess     *session.Session
	capturer types.MediaCapturer
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = cfg.Logger
	}
	if cfg.OfferTimeout == 0 {
		cfg.OfferTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(se)),
	}
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("POST /offer", s.handleOffer)
	mux.HandleFunc("DELETE /session/{id}", s.handleDelete)
	mux.HandleFunc("GET /debug/frame", s.handleDebugFrame)
	return mux
}

// ListenAndServe serves the control socket and the HTTP API until ctx is
// cancelled or either listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.cfg.SocketPath != "" {
		l, err := net.Listen("unix", s.cfg.SocketPath)
		if err != nil {
			return errors.Trace(err)
		}
		context.AfterFunc(ctx, func() { l.Close() })
		g.Go(func() error {
			err := s.ServeControl(l)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	if s.cfg.Addr != "" {
		httpServer := &http.Server{Addr: s.cfg.Addr, Handler: s.Handler(), TLSConfig: s.cfg.TLS}
		context.AfterFunc(ctx, func() { httpServer.Close() })
		g.Go(func() error {
			var err error
			if s.cfg.TLS != nil {
				err = httpServer.ListenAndServeTLS("", "")
			} else {
				err = httpServer.ListenAndServe()
			}
			if std_errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return errors.Trace(err)
		})
	}

	s.logger.WithTraceFields(logging.LogFields{
		"addr":   s.cfg.Addr,
		"socket": s.cfg.SocketPath,
		"tls":    s.cfg.TLS != nil,
		"fps":    s.cfg.FPS,
	}).Info("starting mmapdisplay")

	err := g.Wait()
	s.Teardown()
	return err
}

// ServeControl accepts control connections on l. Each connection replaces
// the active session.
func (s *Server) ServeControl(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return errors.Trace(err)
		}
		go s.startSession(uuid.New().String(), protocol.NewStreamConn(conn), nil)
	}
}

// Teardown shuts down the active session and releases resources.
// It acquires the lock internally.
func (s *Server) Teardown() {
	s.mu.Lock()
	s.teardownLocked()
	s.mu.Unlock()
}

// startSession runs the handshake on conn and, when it succeeds, makes the
// session current and starts the capture pipeline. onClose runs once the
// session ends.
func (s *Server) startSession(id string, conn protocol.Conn, onClose func()) {
	// Single session: tear down existing
	s.Teardown()

	sess := session.New(id, conn, s.cfg.Session)
	go func() {
		<-sess.Stop
		if onClose != nil {
			onClose()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	err := sess.Handshake(ctx)
	cancel()
	if err != nil {
		s.logger.WithTraceFields(logging.LogFields{
			"session": id,
			"error":   err,
		}).Warning("handshake failed")
		sess.Close()
		return
	}

	s.mu.Lock()
	if s.sess != nil {
		s.teardownLocked()
	}
	s.sess = sess
	s.mu.Unlock()

	go s.startPipeline(sess)

	if err := sess.Run(); err != nil {
		s.logger.WithTraceFields(logging.LogFields{
			"session": id,
			"error":   err,
		}).Info("session ended")
	}

	s.mu.Lock()
	if s.sess == sess {
		s.teardownLocked()
	}
	s.mu.Unlock()
}

func (s *Server) currentSession() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(r) {
		http.Error(w, "unauthorized", 401)
		return
	}

	info := map[string]interface{}{"session": nil}
	if sess := s.currentSession(); sess != nil {
		info["session"] = sess.ID
		info["mmap"] = sess.Info()
		info["metrics"] = sess.GetMetrics()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(info); err != nil {
		s.logger.WithTraceFields(logging.LogFields{"error": err}).Warning("write info")
	}
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(r) {
		http.Error(w, "unauthorized", 401)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", 400)
		return
	}

	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  string(body),
	}

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{
		// LAN only: no STUN/TURN
	})
	if err != nil {
		s.logger.WithTraceFields(logging.LogFields{"error": err}).Error("create peer connection")
		http.Error(w, "internal error", 500)
		return
	}

	sessionID := uuid.New().String()
	closePC := func() { pc.Close() }

	// Data channels are created by the client; the control channel must be
	// wrapped before it opens so no message is missed.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != protocol.DataChannelLabel {
			return
		}
		conn := protocol.NewDataChannelConn(dc)
		dc.OnOpen(func() {
			go s.startSession(sessionID, conn, closePC)
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.WithTraceFields(logging.LogFields{
			"session": sessionID,
			"state":   state.String(),
		}).Debug("peer connection state")
		if state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.mu.Lock()
			if s.sess != nil && s.sess.ID == sessionID {
				s.teardownLocked()
			}
			s.mu.Unlock()
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		s.logger.WithTraceFields(logging.LogFields{"error": err}).Warning("set remote description")
		http.Error(w, "bad SDP offer", 400)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		s.logger.WithTraceFields(logging.LogFields{"error": err}).Error("create answer")
		http.Error(w, "internal error", 500)
		return
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		s.logger.WithTraceFields(logging.LogFields{"error": err}).Error("set local description")
		http.Error(w, "internal error", 500)
		return
	}

	// Wait for ICE gathering to complete
	select {
	case <-gatherComplete:
	case <-time.After(s.cfg.OfferTimeout):
		pc.Close()
		http.Error(w, "ice gathering timed out", 504)
		return
	}

	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", fmt.Sprintf("/session/%s", sessionID))
	w.WriteHeader(201)
	w.Write([]byte(pc.LocalDescription().SDP))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(r) {
		http.Error(w, "unauthorized", 401)
		return
	}

	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess == nil || s.sess.ID != id {
		http.Error(w, "not found", 404)
		return
	}

	s.teardownLocked()
	w.WriteHeader(200)
}

// checkAuth accepts only "Bearer <Token>". An empty configured token
// rejects every request.
func (s *Server) checkAuth(r *http.Request) bool {
	if s.cfg.Token == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

func (s *Server) startPipeline(sess *session.Session) {
	cap, err := s.cfg.NewCapturer(s.cfg.FPS)
	if err != nil {
		s.logger.WithTraceFields(logging.LogFields{"error": err}).Error("capturer init")
		sess.Close()
		return
	}

	s.mu.Lock()
	if s.sess != sess {
		s.mu.Unlock()
		cap.Close()
		return
	}
	s.capturer = cap
	s.mu.Unlock()

	frameDur := time.Duration(float64(time.Second) / float64(s.cfg.FPS))
	ticker := time.NewTicker(frameDur)
	defer ticker.Stop()

	var loopCount, grabFails int
	var tGrab, tSend time.Duration
	lastStats := time.Now()

	for {
		select {
		case <-sess.Stop:
			return
		case <-ticker.C:
			loopCount++
			t0 := time.Now()

			frame, err := cap.Grab()
			if err != nil {
				grabFails++
				continue
			}
			tGrab = time.Since(t0)

			t1 := time.Now()
			if err := sess.SendFrame(frame.Data, frame.Width, frame.Height, frame.Stride); err != nil {
				if !sess.IsClosed() {
					s.logger.WithTraceFields(logging.LogFields{
						"session": sess.ID,
						"error":   err,
					}).Warning("send frame")
					sess.Close()
				}
				return
			}
			tSend = time.Since(t1)

			// Report pipeline stats every 5 seconds (opt-in)
			if s.cfg.Stats && time.Since(lastStats) >= 5*time.Second {
				s.logger.WithTraceFields(logging.LogFields{
					"loops":     loopCount,
					"grab_fail": grabFails,
					"grab":      tGrab.Round(time.Microsecond).String(),
					"send":      tSend.Round(time.Microsecond).String(),
				}).Info("pipeline")
				s.logger.LogMetrics("session", sess)
				loopCount = 0
				grabFails = 0
				lastStats = time.Now()
			}
		}
	}
}

func (s *Server) handleDebugFrame(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(r) {
		http.Error(w, "unauthorized", 401)
		return
	}

	s.mu.Lock()
	cap := s.capturer
	s.mu.Unlock()

	var tempCap types.MediaCapturer
	if cap == nil {
		var err error
		tempCap, err = s.cfg.NewCapturer(1)
		if err != nil {
			http.Error(w, fmt.Sprintf("capturer init: %v", err), 500)
			return
		}
		defer tempCap.Close()
		cap = tempCap
	}

	grabber, ok := cap.(types.DebugGrabber)
	if !ok {
		http.Error(w, "capturer does not support debug grab", 500)
		return
	}

	img, err := grabber.GrabImage()
	if err != nil {
		http.Error(w, fmt.Sprintf("grab failed: %v", err), 500)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	png.Encode(w, img)
}

func (s *Server) teardownLocked() {
	if s.sess != nil {
		s.sess.Close()
		s.sess = nil
	}
	if s.capturer != nil {
		s.capturer.Close()
		s.capturer = nil
	}
}
