package api

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/uranusdex/settlement/pkg/perps"
	"github.com/uranusdex/settlement/pkg/store"
)

// unitDecimals converts integer base units to display amounts.
const unitDecimals = 9

// JSONRPCServer handles JSON-RPC 2.0 requests against the lifecycle engine.
// Signature verification happens upstream; requests carry the verified
// signer identity in their params.
type JSONRPCServer struct {
	engine *perps.Engine
	logger log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server.
func NewJSONRPCServer(engine *perps.Engine, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		engine: engine,
		logger: logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
	OperationError = -32000
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		s.sendError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Lifecycle methods
	case "position.open":
		return s.openPosition(params)
	case "position.update":
		return s.updatePosition(params)
	case "position.close":
		return s.closePosition(params)
	case "position.settle":
		return s.settlePosition(params)
	case "position.forceClose":
		return s.forceClosePosition(params)
	case "market.rebalance":
		return s.rebalanceMarket(params)

	// Read methods
	case "position.get":
		return s.getPosition(params)
	case "market.balance":
		return s.getMarketBalance(params)
	case "fees.quote":
		return s.quoteFees(params)
	case "ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

func (s *JSONRPCServer) openPosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Signer        string `json:"signer"`
		Owner         string `json:"owner"`
		Instrument    string `json:"instrument"`
		Symbol        string `json:"symbol"`
		PaidAmount    uint64 `json:"paidAmount"`
		RequestedSize uint64 `json:"requestedSize"`
		Leverage      uint8  `json:"leverage"`
		Nonce         uint64 `json:"nonce"`
		Direction     string `json:"direction"`
		Position      string `json:"position,omitempty"`
		Market        string `json:"market,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	signer, err := ids.FromString(p.Signer)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid signer"}
	}
	owner, err := ids.FromString(p.Owner)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid owner"}
	}
	instrument, err := ids.FromString(p.Instrument)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid instrument"}
	}
	symbol, err := perps.SymbolFromString(p.Symbol)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Symbol too long"}
	}
	direction, err := parseDirection(p.Direction)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid direction"}
	}
	position, err := addressOrDerived(p.Position, func() ids.ID {
		return store.PositionAddress(owner, p.Nonce)
	})
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid position address"}
	}
	market, err := addressOrDerived(p.Market, func() ids.ID {
		return store.MarketAddress(instrument)
	})
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid market address"}
	}

	req := &perps.OpenRequest{
		Owner:         owner,
		Instrument:    instrument,
		Symbol:        symbol,
		PaidAmount:    p.PaidAmount,
		RequestedSize: p.RequestedSize,
		Leverage:      p.Leverage,
		Nonce:         p.Nonce,
		Direction:     direction,
		Position:      position,
		Market:        market,
	}
	if err := s.engine.Execute(signer, req); err != nil {
		return nil, &RPCError{Code: OperationError, Message: err.Error()}
	}

	fee := perps.Fee(p.PaidAmount, p.Leverage)
	collateral := p.PaidAmount - fee
	return map[string]interface{}{
		"position":          position.String(),
		"status":            "opened",
		"fee":               fee,
		"collateral":        collateral,
		"collateralDisplay": displayAmount(collateral),
	}, nil
}

func (s *JSONRPCServer) updatePosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Signer           string `json:"signer"`
		Owner            string `json:"owner"`
		Nonce            uint64 `json:"nonce"`
		EntryPrice       uint64 `json:"entryPrice"`
		LiquidationPrice uint64 `json:"liquidationPrice"`
		Closed           uint8  `json:"closed"`
		PnL              int64  `json:"pnl"`
		Instrument       string `json:"instrument"`
		Position         string `json:"position,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	signer, err := ids.FromString(p.Signer)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid signer"}
	}
	owner, err := ids.FromString(p.Owner)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid owner"}
	}
	instrument, err := ids.FromString(p.Instrument)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid instrument"}
	}
	position, err := addressOrDerived(p.Position, func() ids.ID {
		return store.PositionAddress(owner, p.Nonce)
	})
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid position address"}
	}

	req := &perps.AuthorityUpdateRequest{
		Position:         position,
		Nonce:            p.Nonce,
		EntryPrice:       p.EntryPrice,
		LiquidationPrice: p.LiquidationPrice,
		Closed:           p.Closed,
		PnL:              p.PnL,
		Instrument:       instrument,
	}
	if err := s.engine.Execute(signer, req); err != nil {
		return nil, &RPCError{Code: OperationError, Message: err.Error()}
	}

	return map[string]interface{}{
		"position": position.String(),
		"status":   "updated",
	}, nil
}

func (s *JSONRPCServer) closePosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Signer   string `json:"signer"`
		Owner    string `json:"owner"`
		Nonce    uint64 `json:"nonce"`
		Position string `json:"position,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	signer, err := ids.FromString(p.Signer)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid signer"}
	}
	owner, err := ids.FromString(p.Owner)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid owner"}
	}
	position, err := addressOrDerived(p.Position, func() ids.ID {
		return store.PositionAddress(owner, p.Nonce)
	})
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid position address"}
	}

	req := &perps.UserCloseRequest{Position: position, Nonce: p.Nonce}
	if err := s.engine.Execute(signer, req); err != nil {
		return nil, &RPCError{Code: OperationError, Message: err.Error()}
	}

	return map[string]interface{}{
		"position": position.String(),
		"status":   "close_marked",
	}, nil
}

func (s *JSONRPCServer) settlePosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Signer     string `json:"signer"`
		Owner      string `json:"owner"`
		Instrument string `json:"instrument"`
		Nonce      uint64 `json:"nonce"`
		FinalPnL   int64  `json:"finalPnl"`
		Position   string `json:"position,omitempty"`
		Market     string `json:"market,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	signer, err := ids.FromString(p.Signer)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid signer"}
	}
	owner, err := ids.FromString(p.Owner)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid owner"}
	}
	instrument, err := ids.FromString(p.Instrument)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid instrument"}
	}
	position, err := addressOrDerived(p.Position, func() ids.ID {
		return store.PositionAddress(owner, p.Nonce)
	})
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid position address"}
	}
	market, err := addressOrDerived(p.Market, func() ids.ID {
		return store.MarketAddress(instrument)
	})
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid market address"}
	}

	req := &perps.SettleRequest{
		Position: position,
		Owner:    owner,
		Market:   market,
		Nonce:    p.Nonce,
		FinalPnL: p.FinalPnL,
	}
	if err := s.engine.Execute(signer, req); err != nil {
		return nil, &RPCError{Code: OperationError, Message: err.Error()}
	}

	return map[string]interface{}{
		"position": position.String(),
		"status":   "settled",
	}, nil
}

func (s *JSONRPCServer) forceClosePosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Signer    string `json:"signer"`
		Position  string `json:"position"`
		Recipient string `json:"recipient"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	signer, err := ids.FromString(p.Signer)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid signer"}
	}
	position, err := ids.FromString(p.Position)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid position address"}
	}
	recipient, err := ids.FromString(p.Recipient)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid recipient"}
	}

	req := &perps.ForceCloseRequest{Position: position, Recipient: recipient}
	if err := s.engine.Execute(signer, req); err != nil {
		return nil, &RPCError{Code: OperationError, Message: err.Error()}
	}

	return map[string]interface{}{
		"position": position.String(),
		"status":   "force_closed",
	}, nil
}

func (s *JSONRPCServer) rebalanceMarket(params json.RawMessage) (interface{}, error) {
	var p struct {
		Signer         string `json:"signer"`
		Amount         uint64 `json:"amount"`
		FromInstrument string `json:"fromInstrument"`
		ToInstrument   string `json:"toInstrument"`
		FromPool       string `json:"fromPool,omitempty"`
		ToPool         string `json:"toPool,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	signer, err := ids.FromString(p.Signer)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid signer"}
	}
	fromInstrument, err := ids.FromString(p.FromInstrument)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid source instrument"}
	}
	toInstrument, err := ids.FromString(p.ToInstrument)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid destination instrument"}
	}
	fromPool, err := addressOrDerived(p.FromPool, func() ids.ID {
		return store.MarketAddress(fromInstrument)
	})
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid source pool address"}
	}
	toPool, err := addressOrDerived(p.ToPool, func() ids.ID {
		return store.MarketAddress(toInstrument)
	})
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid destination pool address"}
	}

	req := &perps.RebalanceRequest{
		Amount:         p.Amount,
		FromInstrument: fromInstrument,
		ToInstrument:   toInstrument,
		FromPool:       fromPool,
		ToPool:         toPool,
	}
	if err := s.engine.Execute(signer, req); err != nil {
		return nil, &RPCError{Code: OperationError, Message: err.Error()}
	}

	return map[string]interface{}{
		"status": "rebalanced",
		"amount": p.Amount,
	}, nil
}

func (s *JSONRPCServer) getPosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Owner    string `json:"owner"`
		Nonce    uint64 `json:"nonce"`
		Position string `json:"position,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	var addr ids.ID
	if p.Position != "" {
		var err error
		addr, err = ids.FromString(p.Position)
		if err != nil {
			return nil, &RPCError{Code: InvalidParams, Message: "Invalid position address"}
		}
	} else {
		owner, err := ids.FromString(p.Owner)
		if err != nil {
			return nil, &RPCError{Code: InvalidParams, Message: "Invalid owner"}
		}
		addr = store.PositionAddress(owner, p.Nonce)
	}

	pos, balance, err := s.engine.Position(addr)
	if err != nil {
		return nil, &RPCError{Code: OperationError, Message: err.Error()}
	}
	symbol, _ := pos.SymbolString()

	return map[string]interface{}{
		"position":          addr.String(),
		"owner":             pos.Owner.String(),
		"instrument":        pos.Instrument.String(),
		"symbol":            symbol,
		"entryPrice":        pos.EntryPrice,
		"liquidationPrice":  pos.LiquidationPrice,
		"collateral":        pos.Collateral,
		"collateralDisplay": displayAmount(pos.Collateral),
		"notional":          pos.Notional,
		"notionalDisplay":   displayAmount(pos.Notional),
		"leverage":          pos.Leverage,
		"closed":            pos.Closed,
		"nonce":             pos.Nonce,
		"pnl":               pos.PnL,
		"direction":         pos.Direction.String(),
		"balance":           balance,
	}, nil
}

func (s *JSONRPCServer) getMarketBalance(params json.RawMessage) (interface{}, error) {
	var p struct {
		Instrument string `json:"instrument"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	instrument, err := ids.FromString(p.Instrument)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid instrument"}
	}
	balance, err := s.engine.MarketBalance(instrument)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return map[string]interface{}{
		"instrument":     instrument.String(),
		"pool":           store.MarketAddress(instrument).String(),
		"balance":        balance,
		"balanceDisplay": displayAmount(balance),
	}, nil
}

func (s *JSONRPCServer) quoteFees(params json.RawMessage) (interface{}, error) {
	var p struct {
		Amount   uint64 `json:"amount"`
		Leverage uint8  `json:"leverage"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	leverage := perps.ClampLeverage(p.Leverage)
	fee := perps.Fee(p.Amount, leverage)
	collateral := p.Amount - fee

	rate := decimal.Zero
	if p.Amount > 0 {
		rate = decimalFromUint(fee).Div(decimalFromUint(p.Amount)).Round(6)
	}

	return map[string]interface{}{
		"leverage":          leverage,
		"fee":               fee,
		"feeDisplay":        displayAmount(fee),
		"collateral":        collateral,
		"collateralDisplay": displayAmount(collateral),
		"effectiveRate":     rate.String(),
	}, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func parseDirection(s string) (perps.Direction, error) {
	switch s {
	case "long":
		return perps.Long, nil
	case "short":
		return perps.Short, nil
	default:
		return 0, fmt.Errorf("invalid direction %q", s)
	}
}

func addressOrDerived(s string, derive func() ids.ID) (ids.ID, error) {
	if s == "" {
		return derive(), nil
	}
	return ids.FromString(s)
}

func decimalFromUint(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// displayAmount renders integer base units as a decimal amount.
func displayAmount(v uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -unitDecimals).String()
}
