package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/bidsync/internal/auction"
	"github.com/jensholdgaard/bidsync/internal/protocol"
	"github.com/jensholdgaard/bidsync/internal/store"
)

const maxBodyBytes = 64 << 10

type errorResponse struct {
	Kind    auction.Kind `json:"kind"`
	Message string       `json:"message"`
}

type timeSyncRequest struct {
	ClientTime json.RawMessage `json:"clientTime"`
}

type bidRequest struct {
	AuctionID json.RawMessage `json:"auctionId"`
	Amount    json.RawMessage `json:"amount"`
	BidderID  string          `json:"bidderId"`
}

type auctionList struct {
	Auctions   []store.Auction `json:"auctions"`
	ServerTime int64           `json:"serverTime"`
}

type bidHistory struct {
	AuctionID  int64                  `json:"auctionId"`
	Bids       []auction.HistoryEntry `json:"bids"`
	ServerTime int64                  `json:"serverTime"`
}

type statsResponse struct {
	Connections int           `json:"connections"`
	Rooms       int           `json:"rooms"`
	Members     map[int64]int `json:"members"`
	ServerTime  int64         `json:"serverTime"`
}

func (s *Server) handleTimeSync(w http.ResponseWriter, r *http.Request) {
	var req timeSyncRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.timeSync(w, r, req.ClientTime)
}

func (s *Server) handleTimeSyncQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("clientTime") {
		s.writeError(w, r, auction.InvalidInput("clientTime is required"))
		return
	}
	raw, _ := json.Marshal(q.Get("clientTime"))
	s.timeSync(w, r, raw)
}

func (s *Server) timeSync(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	ms, err := protocol.ParseClientTime(raw)
	if err != nil {
		s.writeError(w, r, auction.InvalidInput("%v", err))
		return
	}
	writeJSON(w, http.StatusOK, s.clock.Sync(ms))
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var req bidRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	id, err := protocol.ParseAuctionID(req.AuctionID)
	if err != nil {
		s.writeError(w, r, auction.InvalidInput("auctionId must be an integer"))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		// An unknown auction is reported ahead of a bad amount.
		if _, lerr := s.auctions.GetByID(r.Context(), id); lerr != nil {
			s.writeError(w, r, lookupError(id, lerr))
			return
		}
		s.writeError(w, r, err)
		return
	}

	update, err := s.engine.SubmitBid(r.Context(), auction.Bid{
		AuctionID: id,
		Amount:    amount,
		BidderID:  strings.TrimSpace(req.BidderID),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, update)
}

func (s *Server) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	auctions, err := s.auctions.List(r.Context())
	if err != nil {
		s.writeError(w, r, &auction.Error{Kind: auction.KindStoreUnavailable, Message: "listing auctions", Err: err})
		return
	}
	if auctions == nil {
		auctions = []store.Auction{}
	}
	writeJSON(w, http.StatusOK, auctionList{Auctions: auctions, ServerTime: s.clock.NowMillis()})
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	a, err := s.auctions.GetByID(r.Context(), id)
	if err != nil {
		s.writeError(w, r, lookupError(id, err))
		return
	}
	writeJSON(w, http.StatusOK, protocol.AuctionData{Auction: a, ServerTime: s.clock.NowMillis()})
}

func (s *Server) handleBidHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	bids, err := s.engine.History(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bidHistory{AuctionID: id, Bids: bids, ServerTime: s.clock.NowMillis()})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	st := s.rooms.Stats()
	writeJSON(w, http.StatusOK, statsResponse{
		Connections: st.Connections,
		Rooms:       st.Rooms,
		Members:     st.Members,
		ServerTime:  s.clock.NowMillis(),
	})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, r, auction.InvalidInput("auction id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func lookupError(id int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &auction.Error{Kind: auction.KindNotFound, Message: "auction " + strconv.FormatInt(id, 10) + " not found"}
	}
	return &auction.Error{Kind: auction.KindStoreUnavailable, Message: "reading auction", Err: err}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return auction.InvalidInput("malformed JSON body")
	}
	return nil
}

// parseAmount accepts a JSON number or a numeric string. Amounts outside
// the bounds of auction.CheckAmount are refused before anything expands them.
func parseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Zero, auction.InvalidInput("amount is required")
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Zero, auction.InvalidInput("amount must be a finite number")
		}
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, auction.InvalidInput("amount must be a finite number")
	}
	if err := auction.CheckAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

func statusFor(kind auction.Kind) int {
	switch kind {
	case auction.KindInvalidInput:
		return http.StatusBadRequest
	case auction.KindNotFound:
		return http.StatusNotFound
	case auction.KindNotStarted, auction.KindClosed, auction.KindPriceTooLow:
		return http.StatusConflict
	case auction.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *auction.Error
	if !errors.As(err, &ae) {
		s.logger.ErrorContext(r.Context(), "unclassified request error",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "internal error"})
		return
	}

	code := statusFor(ae.Kind)
	if code >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	if ae.Kind == auction.KindStoreUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, code, errorResponse{Kind: ae.Kind, Message: ae.Message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
