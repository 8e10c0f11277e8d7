package control

import (
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const readLimit = 32768

// Session describes one finished control connection.
type Session struct {
	// Messages holds the text frames received, in order.
	Messages []string
	// Frames holds the type of every data frame received, text and binary, in order.
	Frames []websocket.MessageType
	// CloseStatus is the status the client closed with, or -1 if the connection failed without a close frame.
	CloseStatus websocket.StatusCode
}

// Server accepts control connections on GET /.
type Server struct {
	Log *zap.SugaredLogger

	terminateOnce sync.Once
	terminated    chan struct{}
	sessions      chan Session
}

func NewServer(log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{
		Log:        log.Named("control_server"),
		terminated: make(chan struct{}),
		sessions:   make(chan Session, 16),
	}
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/", s.control)
	return router
}

// Terminated is closed once any client has sent TerminateCommand.
func (s *Server) Terminated() <-chan struct{} {
	return s.terminated
}

// Sessions receives a Session each time a connection ends.
// Sessions are dropped if nobody reads them and the buffer is full.
func (s *Server) Sessions() <-chan Session {
	return s.sessions
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)
	s.Log.Debugw("accepted WebSocket conn", "RemoteAddr", r.RemoteAddr)

	sess := Session{CloseStatus: -1}
	defer func() {
		select {
		case s.sessions <- sess:
		default:
			s.Log.Debug("session buffer full, dropping session")
		}
	}()

	for {
		typ, b, err := wsConn.Read(r.Context())
		if err != nil {
			sess.CloseStatus = websocket.CloseStatus(err)
			if sess.CloseStatus == -1 {
				s.Log.Debugf("message reader got error: %s", err)
				reason := err.Error()
				if len(reason) > 100 {
					reason = reason[0:100]
				}
				wsConn.Close(websocket.StatusInternalError, reason)
			} else {
				s.Log.Debugw("client closed conn", "Status", sess.CloseStatus)
			}
			return
		}
		sess.Frames = append(sess.Frames, typ)
		if typ != websocket.MessageText {
			s.Log.Debugf("ignoring %d byte binary message", len(b))
			continue
		}

		msg := string(b)
		sess.Messages = append(sess.Messages, msg)
		s.Log.Debugw("got message", "Message", msg)
		if msg == TerminateCommand {
			s.terminateOnce.Do(func() { close(s.terminated) })
		}
	}
}
