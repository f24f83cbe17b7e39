// Package server exposes the orchestrator to observers: a websocket
// endpoint pushing RunState snapshots on every orchestration event and
// accepting the five control operations, plus health and metrics routes.
// No other mutation path is exposed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/config"
	"github.com/BaSui01/chatflow/history"
	"github.com/BaSui01/chatflow/orchestrator"
	"github.com/BaSui01/chatflow/types"
)

// Deps 服务依赖
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Metrics      http.Handler   // /metrics，nil 时不挂载
	History      *history.Store // /runs，nil 时不挂载
	Logger       *zap.Logger
}

// Server HTTP / websocket 观察服务
type Server struct {
	cfg     config.ServerConfig
	orch    *orchestrator.Orchestrator
	history *history.Store
	httpSrv *http.Server
	logger  *zap.Logger
}

// New 创建服务
func New(cfg config.ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		orch:    deps.Orchestrator,
		history: deps.History,
		logger:  logger.With(zap.String("component", "server")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/ws", s.handleWS)
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics)
	}
	if deps.History != nil {
		mux.HandleFunc("/runs", s.handleRuns)
	}

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler 返回根 handler，测试用
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run 启动服务并在 ctx 取消时优雅关闭
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", s.cfg.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleSnapshot 一次性返回当前 RunState 快照
func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.orch.Snapshot())
}

// handleRuns 返回最近归档的 Run
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.history.RecentRuns(r.Context(), 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

// controlCommand websocket 客户端发来的命令
type controlCommand struct {
	Op       string `json:"op"` // trigger / pause / resume / skip / cancel
	Text     string `json:"text,omitempty"`
	SenderID string `json:"sender_id,omitempty"`
}

// controlAck 命令应答
type controlAck struct {
	Op    string `json:"op"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// handleWS 推送快照流并接收控制命令。
// 控制操作在非法状态下本来就是静默无效的，应答永远 OK；
// 只有 trigger 可能因 Run 冲突或限流而失败。
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	// 快照推送：事件回调只投递信号，推送由独立 goroutine 完成，
	// 慢客户端丢帧而不是阻塞事件派发
	notify := make(chan struct{}, 1)
	subID := s.orch.Events().SubscribeAll(func(orchestrator.Event) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	defer s.orch.Events().Unsubscribe(subID)

	go func() {
		// 连接建立先推一帧当前状态
		if err := s.writeSnapshot(ctx, conn); err != nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-notify:
				if err := s.writeSnapshot(ctx, conn); err != nil {
					return
				}
			}
		}
	}()

	for {
		var cmd controlCommand
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			return
		}
		ack := s.dispatch(ctx, cmd)
		if err := wsjson.Write(ctx, conn, ack); err != nil {
			return
		}
	}
}

func (s *Server) writeSnapshot(ctx context.Context, conn *websocket.Conn) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, s.orch.Snapshot())
}

func (s *Server) dispatch(ctx context.Context, cmd controlCommand) controlAck {
	ack := controlAck{Op: cmd.Op, OK: true}
	switch cmd.Op {
	case "pause":
		s.orch.Pause()
	case "resume":
		s.orch.Resume()
	case "skip":
		s.orch.SkipCurrent()
	case "cancel":
		s.orch.CancelAll()
	case "trigger":
		msg := types.TriggerMessage{
			SenderID:  cmd.SenderID,
			Text:      cmd.Text,
			Timestamp: time.Now(),
		}
		if _, err := s.orch.Trigger(ctx, msg); err != nil {
			ack.OK = false
			ack.Error = err.Error()
		}
	default:
		ack.OK = false
		ack.Error = "unknown op: " + cmd.Op
	}
	return ack
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
