package relay

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"teorelay/protocol"
	"teorelay/wallet"
)

// Handlers - HTTP surface of the relay
type Handlers struct {
	svc      *Service
	validate *validator.Validate
	chainID  uint64 // explorer links
}

func NewHandlers(svc *Service, chainID uint64) *Handlers {
	return &Handlers{svc: svc, validate: validator.New(), chainID: chainID}
}

// HandleAllowance - GET /allowance/{address}
func (h *Handlers) HandleAllowance(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	snap, err := h.svc.Allowance(r.Context(), addr)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, AllowanceResponse{
		Success:            true,
		Address:            addr.Hex(),
		AvailableAllowance: display(snap.Available),
		PlatformAllowance:  display(snap.PlatformAllowance),
		UsedAllowance:      display(snap.Used),
		TotalAllowance:     display(snap.Total),
		WalletBalance:      display(snap.WalletBalance),
		BalanceSource:      string(snap.Source),
	}, http.StatusOK)
}

// HandleTier - GET /staking/tier/{address}
func (h *Handlers) HandleTier(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	state, err := h.svc.TierState(r.Context(), addr)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, TierResponse{
		Success:          true,
		Address:          addr.Hex(),
		StakedAmount:     display(state.Staked),
		Tier:             int(state.Tier),
		TierName:         state.Tier.String(),
		CommissionRate:   protocol.FormatRate(state.CommissionRate),
		LastStakeAt:      unixOrNil(state.LastStakeAt),
		LastUnstakeAt:    unixOrNil(state.LastUnstakeAt),
		StakesInWindow:   state.StakesInWindow,
		UnstakesInWindow: state.UnstakesInWindow,
	}, http.StatusOK)
}

// HandleCreateDiscount - POST /discount/create
func (h *Handlers) HandleCreateDiscount(w http.ResponseWriter, r *http.Request) {
	var req DiscountCreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, ok := parseBaseUnits(w, req.TeoAmount)
	if !ok {
		return
	}
	teacher := common.HexToAddress(req.TeacherAddress)
	signed := &protocol.SignedOperationRequest{
		Operation:       protocol.DiscountRedemption,
		Signer:          common.HexToAddress(req.StudentAddress),
		Counterparty:    &teacher,
		ReferenceID:     string(req.CourseID),
		DiscountPercent: req.DiscountPercent,
		Amount:          amount,
		Nonce:           req.Nonce,
		Deadline:        time.Unix(req.Deadline, 0),
		Signature:       req.StudentSignature,
	}
	res, err := h.svc.CreateDiscount(r.Context(), signed)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, DiscountCreateResponse{
		Success:         true,
		RequestID:       res.Request.ID,
		TransactionHash: res.Execution.TxHash.Hex(),
		GasCost:         protocol.FormatMATIC(res.Execution.GasCost()),
		StudentGasCost:  protocol.ZeroGas,
		TeoAmount:       display(amount),
		Status:          res.Request.Status,
	}, http.StatusOK)
}

// HandleApproveDiscount - POST /discount/approve
func (h *Handlers) HandleApproveDiscount(w http.ResponseWriter, r *http.Request) {
	var req DiscountDecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.ApproveDiscount(r.Context(), req.RequestID, optionalAddress(req.ApproverAddress))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondDecision(w, res)
}

// HandleDeclineDiscount - POST /discount/decline
func (h *Handlers) HandleDeclineDiscount(w http.ResponseWriter, r *http.Request) {
	var req DiscountDecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.DeclineDiscount(r.Context(), req.RequestID, optionalAddress(req.DeclinerAddress), req.Reason)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondDecision(w, res)
}

// HandleStake - POST /staking/stake
func (h *Handlers) HandleStake(w http.ResponseWriter, r *http.Request) {
	h.handleStake(w, r, protocol.TeacherStake)
}

// HandleUnstake - POST /staking/unstake
func (h *Handlers) HandleUnstake(w http.ResponseWriter, r *http.Request) {
	h.handleStake(w, r, protocol.TeacherUnstake)
}

func (h *Handlers) handleStake(w http.ResponseWriter, r *http.Request, op protocol.OperationType) {
	var req StakeRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, ok := parseBaseUnits(w, req.TeoAmount)
	if !ok {
		return
	}
	signed := &protocol.SignedOperationRequest{
		Operation: op,
		Signer:    common.HexToAddress(req.TeacherAddress),
		Amount:    amount,
		Nonce:     req.Nonce,
		Deadline:  time.Unix(req.Deadline, 0),
		Signature: req.TeacherSignature,
	}

	var (
		res *StakeResult
		err error
	)
	if op == protocol.TeacherStake {
		res, err = h.svc.Stake(r.Context(), signed)
	} else {
		res, err = h.svc.Unstake(r.Context(), signed)
	}
	if err != nil {
		respondServiceError(w, err)
		return
	}

	resp := StakeResponse{
		Success:         true,
		TotalStaked:     display(res.State.Staked),
		NewTier:         int(res.State.Tier),
		TierName:        res.State.Tier.String(),
		CommissionRate:  protocol.FormatRate(res.State.CommissionRate),
		TransactionHash: res.Execution.TxHash.Hex(),
		GasCost:         protocol.FormatMATIC(res.Execution.GasCost()),
		TeacherGasCost:  protocol.ZeroGas,
	}
	if op == protocol.TeacherStake {
		resp.AmountStaked = display(res.Amount)
	} else {
		resp.AmountUnstaked = display(res.Amount)
	}
	respondJSON(w, resp, http.StatusOK)
}

// HandleTransactionStatus - GET /transactions/{hash}
func (h *Handlers) HandleTransactionStatus(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["hash"]
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		respondError(w, protocol.ReasonInvalidRequest, "invalid transaction hash "+raw, http.StatusBadRequest)
		return
	}
	hash := common.BytesToHash(b)

	res, err := h.svc.Transaction(r.Context(), hash)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	resp := TransactionStatusResponse{
		Success:     true,
		TxHash:      hash.Hex(),
		Action:      res.Transaction.Action,
		RequestID:   res.Transaction.RequestID,
		Status:      res.Transaction.Status,
		GasUsed:     res.Transaction.GasUsed,
		GasCost:     protocol.FormatMATIC(res.Transaction.GasCost()),
		UserGasCost: protocol.ZeroGas,
		ExplorerURL: wallet.ExplorerURL(h.chainID, hash.Hex()),
	}
	if res.Chain != nil {
		resp.Status = res.Chain.Status
		resp.BlockNumber = res.Chain.BlockNumber
		resp.BlockTime = res.Chain.BlockTime
		resp.Confirmations = res.Chain.Confirmations
	}
	respondJSON(w, resp, http.StatusOK)
}

// HandleHistory - GET /history/{address}?limit=N
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, protocol.ReasonInvalidRequest, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	rows, err := h.svc.History(r.Context(), addr, limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	resp := HistoryResponse{Success: true, Address: addr.Hex(), Transactions: make([]HistoryEntry, 0, len(rows))}
	for _, row := range rows {
		resp.Transactions = append(resp.Transactions, HistoryEntry{
			TxHash:      row.TxHash,
			Action:      row.Action,
			From:        common.HexToAddress(row.FromAddress).Hex(),
			To:          checksumOrEmpty(row.ToAddress),
			Amount:      display(toBig(row.Amount)),
			RequestID:   row.RequestID,
			GasCost:     protocol.FormatMATIC(row.GasCost()),
			UserGasCost: protocol.ZeroGas,
			CreatedAt:   row.CreatedAt.Unix(),
			ExplorerURL: wallet.ExplorerURL(h.chainID, row.TxHash),
		})
	}
	respondJSON(w, resp, http.StatusOK)
}

func checksumOrEmpty(s string) string {
	if s == "" {
		return ""
	}
	return common.HexToAddress(s).Hex()
}

// decode reads and validates a JSON body into dst.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, protocol.ReasonInvalidRequest, "Invalid request body", http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Tag() == "required" {
					respondError(w, protocol.ReasonMissingRequiredField, "missing "+fe.Field(), http.StatusBadRequest)
					return false
				}
			}
		}
		respondError(w, protocol.ReasonInvalidRequest, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func pathAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		respondError(w, protocol.ReasonInvalidRequest, "invalid address "+raw, http.StatusBadRequest)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func parseBaseUnits(w http.ResponseWriter, s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() <= 0 {
		respondError(w, protocol.ReasonInvalidRequest, "teo_amount must be a positive integer in base units", http.StatusBadRequest)
		return nil, false
	}
	return v, true
}

func optionalAddress(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func display(v *big.Int) string {
	return protocol.FromBaseUnits(v).String()
}

func unixOrNil(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	u := t.Unix()
	return &u
}

func respondDecision(w http.ResponseWriter, res *DiscountResult) {
	respondJSON(w, DiscountDecisionResponse{
		Success:         true,
		RequestID:       res.Request.ID,
		Status:          res.Request.Status,
		TransactionHash: res.Execution.TxHash.Hex(),
		GasCost:         protocol.FormatMATIC(res.Execution.GasCost()),
		TeacherGasCost:  protocol.ZeroGas,
	}, http.StatusOK)
}

// statusFor maps a rejection reason onto its HTTP status.
func statusFor(reason protocol.Reason) int {
	switch reason {
	case protocol.ReasonInvalidSignature:
		return http.StatusUnauthorized
	case protocol.ReasonNonceReplay:
		return http.StatusConflict
	case protocol.ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

func respondServiceError(w http.ResponseWriter, err error) {
	var rej *protocol.RejectedError
	switch {
	case errors.As(err, &rej):
		respondJSON(w, ErrorResponse{
			Error:      string(rej.Reason),
			Message:    rej.Message,
			Code:       statusFor(rej.Reason),
			RetryAfter: int64((rej.RetryAfter + time.Second - 1) / time.Second),
		}, statusFor(rej.Reason))
	case errors.Is(err, ErrDiscountNotFound), errors.Is(err, ErrTransactionNotFound):
		respondError(w, protocol.ReasonInvalidRequest, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrExecutionFailed):
		respondError(w, "", err.Error(), http.StatusBadGateway)
	default:
		respondError(w, "", err.Error(), http.StatusInternalServerError)
	}
}

// Helper functions
func respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, reason protocol.Reason, message string, status int) {
	code := string(reason)
	if code == "" {
		code = http.StatusText(status)
	}
	respondJSON(w, ErrorResponse{
		Error:   code,
		Message: message,
		Code:    status,
	}, status)
}
