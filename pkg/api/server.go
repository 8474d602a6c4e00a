package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/p2pbook/pkg/book"
	"github.com/uhyunpark/p2pbook/pkg/node"
	"github.com/uhyunpark/p2pbook/pkg/protocol"
	"github.com/uhyunpark/p2pbook/pkg/storage"
)

const defaultMatchLimit = 50

// Server exposes one node over REST and websocket.
type Server struct {
	node   *node.Node
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
	srv    *http.Server
}

func NewServer(n *node.Node, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		node:   n,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
	}
	s.setupRoutes()
	n.Subscribe(s.forwardEvent)
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/{owner}/{seq}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/book/{from}/{to}", s.handleGetBook).Methods("GET")
	api.HandleFunc("/matches", s.handleGetMatches).Methods("GET")
	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", s.node.Metrics().Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a clean stop.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Infow("api_listening", "addr", addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// REST

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", protocol.CodeValidation, err.Error())
		return
	}

	reply, err := s.node.SubmitClientOrder(r.Context(), "http:"+r.RemoteAddr, protocol.ClientOrder{
		ID:         req.ID,
		FromCoin:   req.FromCoin,
		FromAmount: req.FromAmount,
		ToCoin:     req.ToCoin,
		ToAmount:   req.ToAmount,
	})
	if err != nil {
		respondError(w, statusFor(err), "order rejected", protocol.CodeOf(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, SubmitOrderResponse{Handled: reply.Handled, OrderID: reply.OrderID})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	seq, err := strconv.ParseUint(vars["seq"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid sequence", protocol.CodeValidation, err.Error())
		return
	}
	o, err := s.node.Store().Get(book.OrderID{Owner: book.NodeID(vars["owner"]), Seq: seq})
	if err != nil {
		respondError(w, statusFor(err), "order not found", protocol.CodeOf(err), "")
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	orders := s.node.Store().ByPair(vars["from"], vars["to"])
	if orders == nil {
		orders = []*book.Order{}
	}
	respondJSON(w, http.StatusOK, BookSnapshot{
		FromCoin:  vars["from"],
		ToCoin:    vars["to"],
		Orders:    orders,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetMatches(w http.ResponseWriter, r *http.Request) {
	limit := defaultMatchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", protocol.CodeValidation, v)
			return
		}
		limit = n
	}
	recs, err := s.node.Journal().RecentMatches(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal read failed", protocol.CodeUnknown, err.Error())
		return
	}
	if recs == nil {
		recs = []storage.MatchRecord{}
	}
	respondJSON(w, http.StatusOK, MatchesResponse{Matches: recs})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	st := s.node.Store().Stats()
	peers := s.node.Peers()
	if peers == nil {
		peers = []book.NodeID{}
	}
	respondJSON(w, http.StatusOK, NodeStatus{
		Node:   s.node.Self(),
		Peers:  peers,
		Open:   st.Open,
		Locked: st.Locked,
		Closed: st.Closed,
		Local:  len(s.node.Store().Local(s.node.Self())),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// push

func (s *Server) forwardEvent(ev node.Event) {
	switch ev.Type {
	case node.EventMatchDone, node.EventMatchPartial, node.EventMatchAborted:
		s.hub.BroadcastToChannel(ChannelMatches, ev)
	default:
		s.hub.BroadcastToChannel(ChannelOrders, ev)
	}
}

// helpers

func statusFor(err error) int {
	switch {
	case errors.Is(err, book.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, book.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, book.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string, code protocol.Code, detail string) {
	respondJSON(w, status, ErrorResponse{Error: msg, Code: string(code), Message: detail})
}
