package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"github.com/bountyrelay/bountyrelay/internal/bounty"
	"github.com/bountyrelay/bountyrelay/internal/logging"
	"github.com/bountyrelay/bountyrelay/internal/scm"
	"github.com/bountyrelay/bountyrelay/internal/store"
	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// maxIssuesPerQuery bounds the issue ids one rewards lookup may ask for.
const maxIssuesPerQuery = 100

type errorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after,omitempty"`
	TxHash     string `json:"tx_hash,omitempty"`

	// Set on 429 only. Pointers keep a zero remaining quota in the body.
	Remaining *types.Amount `json:"remaining,omitempty"`
	Limit     *types.Amount `json:"limit,omitempty"`
	ResetAt   *time.Time    `json:"reset_at,omitempty"`
}

// AmountRequest is the body of POST /v1/repos/{repoID}/fund and
// POST /v1/repos/{repoID}/issues/{issueID}/reward.
type AmountRequest struct {
	Amount types.Amount `json:"amount"`
}

// TransferBody is the body of POST /v1/transfers.
type TransferBody struct {
	To     types.Address `json:"to"`
	Amount types.Amount  `json:"amount"`
}

// RelayBody is the body of POST /v1/relay. CallData is 0x-prefixed hex;
// Target defaults to the bounty contract.
type RelayBody struct {
	Target   types.Address `json:"target"`
	CallData string        `json:"call_data"`
	Gas      uint64        `json:"gas"`
}

// SettleBody is the body of POST /v1/admin/settle. With PullRequest set,
// Number is a pull request and every issue it closes is settled; otherwise
// Number is an issue and Contributor, when empty, is resolved from its
// timeline.
type SettleBody struct {
	RepoID      int64  `json:"repo_id"`
	Number      int    `json:"number"`
	PullRequest bool   `json:"pull_request"`
	Contributor string `json:"contributor"`
}

// SettleResponse lists the attempts one settle request produced.
type SettleResponse struct {
	Attempts []types.SettlementAttempt `json:"attempts"`
}

// IssueRewardView is one entry of GET /v1/repos/{repoID}/rewards.
type IssueRewardView struct {
	IssueID int64        `json:"issue_id"`
	Amount  types.Amount `json:"amount"`
}

// RewardsResponse is the response of GET /v1/repos/{repoID}/rewards.
type RewardsResponse struct {
	RepoID  int64             `json:"repo_id"`
	Rewards []IssueRewardView `json:"rewards"`
}

func (s *Server) handleGetRepository(w http.ResponseWriter, r *http.Request) {
	repoID, ok := s.pathID(w, r, "repoID")
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Bounty.Repository(r.Context(), repoID))
}

// handleGetRewards handles GET /v1/repos/{repoID}/rewards?issues=1,2,3.
func (s *Server) handleGetRewards(w http.ResponseWriter, r *http.Request) {
	repoID, ok := s.pathID(w, r, "repoID")
	if !ok {
		return
	}
	raw := r.URL.Query().Get("issues")
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, "issues query parameter is required")
		return
	}
	parts := strings.Split(raw, ",")
	if len(parts) > maxIssuesPerQuery {
		s.writeError(w, http.StatusBadRequest, "too many issue ids")
		return
	}
	issueIDs := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid issue id "+strconv.Quote(part))
			return
		}
		issueIDs = append(issueIDs, id)
	}

	amounts := s.deps.Bounty.IssueRewards(r.Context(), repoID, issueIDs)
	resp := RewardsResponse{RepoID: repoID, Rewards: make([]IssueRewardView, len(issueIDs))}
	for i, id := range issueIDs {
		resp.Rewards[i] = IssueRewardView{IssueID: id}
		if i < len(amounts) {
			resp.Rewards[i].Amount = amounts[i]
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	repoID, ok := s.pathID(w, r, "repoID")
	if !ok {
		return
	}
	var body AmountRequest
	if !s.decode(w, r, &body) {
		return
	}

	result, err := s.deps.Bounty.Fund(r.Context(), bounty.FundRequest{RepoID: repoID, Amount: body.Amount, UserID: userID})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	repoID, ok := s.pathID(w, r, "repoID")
	if !ok {
		return
	}
	issueID, ok := s.pathID(w, r, "issueID")
	if !ok {
		return
	}
	var body AmountRequest
	if !s.decode(w, r, &body) {
		return
	}

	result, err := s.deps.Bounty.Allocate(r.Context(), bounty.AllocateRequest{
		RepoID:  repoID,
		IssueID: issueID,
		Amount:  body.Amount,
		UserID:  userID,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFundingLimit(w http.ResponseWriter, r *http.Request) {
	repoID, ok := s.pathID(w, r, "repoID")
	if !ok {
		return
	}
	status, err := s.deps.Bounty.FundingStatus(r.Context(), repoID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleTransferLimit(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Bounty.TransferStatus(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var body TransferBody
	if !s.decode(w, r, &body) {
		return
	}

	result, err := s.deps.Bounty.Transfer(r.Context(), bounty.TransferRequest{UserID: userID, To: body.To, Amount: body.Amount})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var body RelayBody
	if !s.decode(w, r, &body) {
		return
	}
	data, err := hexutil.Decode(body.CallData)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "call_data: "+err.Error())
		return
	}

	result, err := s.deps.Bounty.Relayed(r.Context(), bounty.RelayRequest{
		UserID:    userID,
		Target:    body.Target,
		CallData:  data,
		GasBudget: body.Gas,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var body SettleBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.Number <= 0 {
		s.writeError(w, http.StatusBadRequest, "number must be positive")
		return
	}

	var resp SettleResponse
	if body.PullRequest {
		attempts, err := s.deps.Settler.SettlePullRequest(r.Context(), body.RepoID, body.Number)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		resp.Attempts = attempts
	} else {
		attempt, err := s.deps.Settler.SettleIssue(r.Context(), body.RepoID, body.Number, body.Contributor)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		resp.Attempts = []types.SettlementAttempt{attempt}
	}
	if resp.Attempts == nil {
		resp.Attempts = []types.SettlementAttempt{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
	if userID == "" {
		s.writeError(w, http.StatusUnauthorized, "missing "+UserIDHeader+" header")
		return "", false
	}
	return userID, true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeServiceError maps error kinds onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var limitErr *types.RateLimitExceededError
	var subErr *types.SubmissionError
	switch {
	case errors.As(err, &limitErr):
		retry := int(math.Ceil(limitErr.RetryAfter(time.Now()).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		resetAt := limitErr.ResetAt.UTC()
		s.writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:      err.Error(),
			RetryAfter: retry,
			Remaining:  &limitErr.Remaining,
			Limit:      &limitErr.Limit,
			ResetAt:    &resetAt,
		})
	case errors.Is(err, bounty.ErrAlreadyAllocated):
		s.writeError(w, http.StatusConflict, err.Error())
	case types.IsValidation(err):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case types.IsAuthorization(err):
		s.writeError(w, http.StatusForbidden, err.Error())
	case types.IsInsufficientFunds(err):
		s.writeError(w, http.StatusPaymentRequired, err.Error())
	case types.IsAttribution(err):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &subErr):
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), TxHash: subErr.TxHash})
	case errors.Is(err, scm.ErrNotFound), errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		logging.Error("request failed",
			logging.Component("api"),
			"route", r.URL.Path,
			logging.Err(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}
