// ABOUTME: Minimal echo agent for local testing — serves the websocket JSON-RPC protocol.
// ABOUTME: Usage: rookery-agent [-addr :9301] [-key secret] [-name "Echo Agent"]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/rookery-hq/rookery/internal/protocol"
)

var version = "dev"

func main() {
	addr := flag.String("addr", ":9301", "listen address")
	key := flag.String("key", "", "accepted static credential; empty accepts anything")
	jwtSecret := flag.String("jwt-secret", "", "verify bearer credentials as HS256 JWTs with this secret")
	name := flag.String("name", "Echo Agent", "agent display name")
	caps := flag.String("caps", "tools/call,resources/read,prompts/get", "comma-separated capabilities")
	notifyEvery := flag.Duration("notify", 0, "push a status notification at this interval (0 disables)")
	mint := flag.Bool("mint-token", false, "print a one-hour HS256 token for -jwt-secret and exit")
	flag.Parse()

	if *mint {
		if *jwtSecret == "" {
			log.Fatal("-mint-token requires -jwt-secret")
		}
		tok, err := mintToken(*jwtSecret, time.Hour)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(tok)
		return
	}

	a := &echoAgent{
		key:         *key,
		jwtSecret:   *jwtSecret,
		name:        *name,
		caps:        strings.Split(*caps, ","),
		notifyEvery: *notifyEvery,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", a.handleRPC)
	srv := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("rookery-agent %s listening on %s/rpc", version, *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

type echoAgent struct {
	key         string
	jwtSecret   string
	name        string
	caps        []string
	notifyEvery time.Duration
}

// verify accepts a presented credential: an HS256 JWT when a secret is
// configured, a static key compare otherwise. No configuration at all
// accepts anything, which keeps ad-hoc local testing frictionless.
func (a *echoAgent) verify(scheme, token string) bool {
	if a.jwtSecret != "" && scheme == protocol.SchemeBearer {
		parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(a.jwtSecret), nil
		})
		return err == nil && parsed.Valid
	}
	if a.key != "" {
		return token == a.key
	}
	return true
}

func mintToken(secret string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": "rookery-hub",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (a *echoAgent) handleRPC(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	log.Printf("hub connected from %s", r.RemoteAddr)

	s := &session{agent: a, conn: conn}
	s.serve(r.Context())
	log.Printf("hub disconnected: %s", r.RemoteAddr)
}

// session is one hub connection. Writes are serialized because echo
// replies for delayed calls and status notifications come from their
// own goroutines.
type session struct {
	agent *echoAgent
	conn  *websocket.Conn

	writeMu       sync.Mutex
	authenticated bool
}

func (s *session) serve(ctx context.Context) {
	if s.agent.notifyEvery > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go s.notifyLoop(stop)
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			s.write(protocol.NewErrorResponse(nil, protocol.CodeParseError, err.Error()))
			continue
		}
		if env.Kind() != protocol.KindRequest {
			continue
		}
		s.handle(ctx, env)
	}
}

func (s *session) handle(ctx context.Context, env *protocol.Envelope) {
	if !s.authenticated && env.Method != protocol.MethodAuthenticate {
		s.write(protocol.NewErrorResponse(env.ID, protocol.CodeUnauthorized, "authenticate first"))
		return
	}

	switch env.Method {
	case protocol.MethodAuthenticate:
		var params protocol.AuthenticateParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			s.write(protocol.NewErrorResponse(env.ID, protocol.CodeInvalidParams, "bad authenticate params"))
			return
		}
		if !s.agent.verify(params.Scheme, params.Token) {
			s.write(protocol.NewErrorResponse(env.ID, protocol.CodeUnauthorized, "credential rejected"))
			return
		}
		s.authenticated = true
		s.reply(env.ID, protocol.AuthenticateResult{Authenticated: true, SessionID: fmt.Sprintf("sess-%d", time.Now().UnixNano())})

	case protocol.MethodInitialize:
		s.reply(env.ID, protocol.InitializeResult{
			ProtocolVersion: protocol.ProtocolVersion,
			AgentInfo:       protocol.PeerInfo{Name: s.agent.name, Version: version},
			Capabilities:    s.agent.caps,
		})

	case protocol.MethodPing:
		s.reply(env.ID, protocol.PingResult{Pong: true})

	case protocol.MethodToolsCall:
		// delay_ms lets callers force out-of-order responses; the reply
		// for a delayed call arrives after later calls' replies.
		var params struct {
			DelayMs int `json:"delay_ms"`
		}
		json.Unmarshal(env.Params, &params)
		id, raw := env.ID, env.Params
		if params.DelayMs > 0 {
			go func() {
				time.Sleep(time.Duration(params.DelayMs) * time.Millisecond)
				s.reply(id, echoResult(raw))
			}()
			return
		}
		s.reply(id, echoResult(raw))

	case protocol.MethodResourcesRead:
		s.reply(env.ID, map[string]any{
			"contents": []map[string]string{
				{"uri": "memo://greeting", "text": "hello from " + s.agent.name},
			},
		})

	case protocol.MethodPromptsGet:
		s.reply(env.ID, map[string]any{
			"messages": []map[string]string{
				{"role": "user", "content": "You are " + s.agent.name + ", an echo agent."},
			},
		})

	default:
		s.write(protocol.NewErrorResponse(env.ID, protocol.CodeMethodNotFound, "unknown method "+env.Method))
	}
}

func echoResult(params json.RawMessage) map[string]any {
	var echoed any
	if len(params) > 0 {
		json.Unmarshal(params, &echoed)
	}
	return map[string]any{"echo": echoed}
}

func (s *session) notifyLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.agent.notifyEvery)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n++
			note, err := protocol.NewNotification("status/update", map[string]any{
				"agent": s.agent.name,
				"beat":  n,
			})
			if err != nil {
				continue
			}
			s.writeFrame(note)
		}
	}
}

func (s *session) reply(id json.RawMessage, result any) {
	resp, err := protocol.NewResponse(id, result)
	if err != nil {
		s.write(protocol.NewErrorResponse(id, protocol.CodeInternalError, err.Error()))
		return
	}
	s.write(resp)
}

func (s *session) write(resp *protocol.Response) {
	s.writeFrame(resp)
}

func (s *session) writeFrame(v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		log.Printf("encoding frame: %v", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Printf("writing frame: %v", err)
	}
}
