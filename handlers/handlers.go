// Package handlers exposes the settlement protocol over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/schema"

	"foundry-backend/core/reward"
	"foundry-backend/core/settlement"
)

const maxBodyBytes = 1 << 20

// BaseHandler provides common functionality for all handlers
type BaseHandler struct {
	logger *slog.Logger
}

// NewBaseHandler creates a new base handler
func NewBaseHandler(logger *slog.Logger) *BaseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseHandler{logger: logger.With("component", "handlers")}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Fatal bool   `json:"fatal,omitempty"`
	Job   any    `json:"job,omitempty"`
}

// sendJSON sends a JSON response
func (h *BaseHandler) sendJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			h.logger.Debug("write response", "error", err)
		}
	}
}

// sendError maps a settlement error onto its HTTP status.
func (h *BaseHandler) sendError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: settlement.CodeOf(err)}
	if settlement.KindOf(err) == settlement.KindFatal {
		resp.Fatal = true
	}
	if status >= http.StatusInternalServerError && resp.Code == "internal_error" {
		h.logger.Error("unhandled error", "error", err)
		resp.Error = "internal server error"
	}
	h.sendJSON(w, status, resp)
}

// parseJSON parses a bounded JSON body from the request.
func (h *BaseHandler) parseJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return settlement.ErrInvalidRequest.Withf("request body is empty")
		}
		return settlement.ErrInvalidRequest.Withf("malformed JSON body: %v", err)
	}
	return nil
}

// StatusFor returns the HTTP status for an error returned by the
// orchestrator.
func StatusFor(err error) int {
	switch settlement.KindOf(err) {
	case settlement.KindValidation:
		return http.StatusBadRequest
	case settlement.KindUnauthorized:
		return http.StatusUnauthorized
	case settlement.KindForbidden:
		return http.StatusForbidden
	case settlement.KindNotFound:
		return http.StatusNotFound
	case settlement.KindConflict:
		return http.StatusConflict
	case settlement.KindProof:
		return http.StatusUnprocessableEntity
	case settlement.KindLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

// SettlementHandler serves the job lifecycle endpoints.
type SettlementHandler struct {
	*BaseHandler
	orch    *settlement.Orchestrator
	queries *schema.Decoder
}

// NewSettlementHandler creates a new settlement handler
func NewSettlementHandler(orch *settlement.Orchestrator, logger *slog.Logger) *SettlementHandler {
	dec := schema.NewDecoder()
	dec.IgnoreUnknownKeys(true)
	return &SettlementHandler{
		BaseHandler: NewBaseHandler(logger),
		orch:        orch,
		queries:     dec,
	}
}

// Register mounts the settlement routes. scorer guards /update-trust.
func (h *SettlementHandler) Register(mux *http.ServeMux, scorer func(http.Handler) http.Handler) {
	mux.HandleFunc("POST /register-machine", h.HandleRegisterMachine)
	mux.HandleFunc("POST /submit-job", h.HandleSubmitJob)
	mux.HandleFunc("POST /complete-job", h.HandleCompleteJob)
	mux.Handle("POST /update-trust", scorer(http.HandlerFunc(h.HandleUpdateTrust)))
	mux.HandleFunc("POST /flag-job", h.HandleFlagJob)
	mux.HandleFunc("POST /estimate-reward", h.HandleEstimateReward)
	mux.HandleFunc("GET /metrics", h.HandleMetrics)
	mux.HandleFunc("GET /jobs/{hash}", h.HandleGetJob)
	mux.HandleFunc("GET /machines/{id}", h.HandleGetMachine)
	mux.HandleFunc("GET /machines/{id}/jobs", h.HandleListMachineJobs)
}

type registerRequest struct {
	MachineID    string         `json:"machine_id"`
	MachineUUID  string         `json:"machine_uuid"`
	PublicKey    string         `json:"public_key"`
	PubKeyBase58 string         `json:"machine_pubkey_base58"`
	OwnerWallet  string         `json:"owner_wallet"`
	Metadata     map[string]any `json:"metadata"`
}

// HandleRegisterMachine registers a machine identity
// @Summary Register a machine
// @Description Creates a machine with trust 100. Re-registering the same id with the same key is idempotent.
// @Tags Machines
// @Accept json
// @Produce json
// @Success 200 {object} settlement.Machine
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /register-machine [post]
func (h *SettlementHandler) HandleRegisterMachine(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendError(w, err)
		return
	}

	m, err := h.orch.RegisterMachine(r.Context(), settlement.RegisterRequest{
		MachineID:   firstNonEmpty(req.MachineID, req.MachineUUID),
		PublicKey:   firstNonEmpty(req.PublicKey, req.PubKeyBase58),
		OwnerWallet: req.OwnerWallet,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, m)
}

type submitRequest struct {
	MachineID       string          `json:"machine_id"`
	MachineUUID     string          `json:"machine_uuid"`
	JobHash         string          `json:"job_hash"`
	Complexity      *float64        `json:"complexity"`
	DurationSeconds float64         `json:"duration_seconds"`
	Payload         json.RawMessage `json:"payload"`
}

// HandleSubmitJob records a started job
// @Summary Submit a job
// @Description Declares a unit of work. A reused job hash answers 409 with the stored job.
// @Tags Jobs
// @Accept json
// @Produce json
// @Success 201 {object} settlement.Job
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /submit-job [post]
func (h *SettlementHandler) HandleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendError(w, err)
		return
	}
	complexity := 1.0
	if req.Complexity != nil {
		complexity = *req.Complexity
	}

	job, err := h.orch.SubmitJob(r.Context(), settlement.SubmitRequest{
		MachineID:       firstNonEmpty(req.MachineID, req.MachineUUID),
		JobHash:         req.JobHash,
		Complexity:      complexity,
		DurationSeconds: req.DurationSeconds,
		Payload:         req.Payload,
	})
	if errors.Is(err, settlement.ErrDuplicateJob) {
		h.sendJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: settlement.CodeOf(err), Job: job})
		return
	}
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusCreated, job)
}

type proofBody struct {
	Timestamp       string `json:"timestamp"`
	Signature       string `json:"signature"`
	SignatureBase58 string `json:"signature_base58"`
}

type completeRequest struct {
	MachineID       string    `json:"machine_id"`
	MachineUUID     string    `json:"machine_uuid"`
	JobHash         string    `json:"job_hash"`
	RecipientWallet string    `json:"recipient_wallet"`
	Proof           proofBody `json:"completion_proof"`
	ProofAlias      proofBody `json:"proof"`
}

// proof returns completion_proof, falling back to the shorter proof key.
func (r completeRequest) proof() proofBody {
	if r.Proof == (proofBody{}) {
		return r.ProofAlias
	}
	return r.Proof
}

// CompleteResponse is a settlement with the flat fields machine clients
// read.
type CompleteResponse struct {
	settlement.Settlement
	AgentReward float64 `json:"agent_reward"`
	TreasuryFee float64 `json:"treasury_fee"`
	FounderFee  float64 `json:"founder_fee"`
	TxSignature string  `json:"tx_signature,omitempty"`
}

func newCompleteResponse(s settlement.Settlement) CompleteResponse {
	return CompleteResponse{
		Settlement:  s,
		AgentReward: reward.FromUnits(s.Fees.Worker),
		TreasuryFee: reward.FromUnits(s.Fees.TreasuryFee),
		FounderFee:  reward.FromUnits(s.Fees.FounderFee),
		TxSignature: s.TxRef,
	}
}

// HandleCompleteJob verifies a completion proof and settles the job
// @Summary Complete a job
// @Description Verifies the signed proof, computes the reward and pays it. Repeating a successful call returns the original result.
// @Tags Jobs
// @Accept json
// @Produce json
// @Success 200 {object} CompleteResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /complete-job [post]
func (h *SettlementHandler) HandleCompleteJob(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendError(w, err)
		return
	}

	proof := req.proof()
	s, err := h.orch.CompleteJob(r.Context(), settlement.CompleteRequest{
		MachineID: firstNonEmpty(req.MachineID, req.MachineUUID),
		JobHash:   req.JobHash,
		Proof: settlement.Proof{
			RecipientWallet: req.RecipientWallet,
			Timestamp:       proof.Timestamp,
			Signature:       firstNonEmpty(proof.Signature, proof.SignatureBase58),
		},
	})
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, newCompleteResponse(s))
}

// HandleUpdateTrust applies a scorer verdict
// @Summary Apply a trust verdict
// @Description Scorer-only. The first verdict per job hash is applied; later ones return the machine unchanged.
// @Tags Trust
// @Accept json
// @Produce json
// @Param X-API-Key header string true "scorer key"
// @Success 200 {object} settlement.VerdictResult
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /update-trust [post]
func (h *SettlementHandler) HandleUpdateTrust(w http.ResponseWriter, r *http.Request) {
	var req settlement.VerdictRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendError(w, err)
		return
	}
	res, err := h.orch.UpdateTrust(r.Context(), req)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, res)
}

type flagRequest struct {
	JobHash string `json:"job_hash"`
	Reason  string `json:"flag_reason"`
	Member  string `json:"community_member"`
}

// HandleFlagJob files a community flag against a job
// @Summary Flag a job
// @Tags Jobs
// @Accept json
// @Produce json
// @Success 200 {object} settlement.Job
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /flag-job [post]
func (h *SettlementHandler) HandleFlagJob(w http.ResponseWriter, r *http.Request) {
	var req flagRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendError(w, err)
		return
	}
	job, err := h.orch.FlagJob(r.Context(), req.JobHash, req.Reason, req.Member)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, job)
}

// HandleEstimateReward evaluates the reward formula without settling
// @Summary Estimate a reward
// @Tags Rewards
// @Accept json
// @Produce json
// @Success 200 {object} reward.Breakdown
// @Router /estimate-reward [post]
func (h *SettlementHandler) HandleEstimateReward(w http.ResponseWriter, r *http.Request) {
	var req settlement.EstimateRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendError(w, err)
		return
	}
	if req.Complexity == 0 {
		req.Complexity = 1
	}
	if req.DurationSeconds < 0 {
		h.sendError(w, settlement.ErrInvalidRequest.Withf("duration_seconds must be non-negative"))
		return
	}
	b, err := h.orch.EstimateReward(r.Context(), req)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, b)
}

// HandleMetrics returns the network snapshot
// @Summary Network metrics
// @Description Activity window, decay, treasury state and recent settlements.
// @Tags Network
// @Produce json
// @Success 200 {object} settlement.NetworkMetrics
// @Router /metrics [get]
func (h *SettlementHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.orch.Metrics(r.Context())
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, m)
}

// HandleGetJob returns one job
// @Summary Get a job
// @Tags Jobs
// @Produce json
// @Param hash path string true "job hash"
// @Success 200 {object} settlement.Job
// @Failure 404 {object} ErrorResponse
// @Router /jobs/{hash} [get]
func (h *SettlementHandler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.orch.GetJob(r.Context(), r.PathValue("hash"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, job)
}

// HandleGetMachine returns one machine
// @Summary Get a machine
// @Tags Machines
// @Produce json
// @Param id path string true "machine id"
// @Success 200 {object} settlement.Machine
// @Failure 404 {object} ErrorResponse
// @Router /machines/{id} [get]
func (h *SettlementHandler) HandleGetMachine(w http.ResponseWriter, r *http.Request) {
	m, err := h.orch.GetMachine(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, m)
}

type listQuery struct {
	Limit int `schema:"limit"`
}

// MachineJobsResponse lists a machine's recent jobs.
type MachineJobsResponse struct {
	MachineID string           `json:"machine_id"`
	Jobs      []settlement.Job `json:"jobs"`
	Count     int              `json:"count"`
}

// HandleListMachineJobs returns a machine's most recent jobs
// @Summary List a machine's jobs
// @Tags Machines
// @Produce json
// @Param id path string true "machine id"
// @Param limit query int false "max jobs, default 50"
// @Success 200 {object} MachineJobsResponse
// @Failure 404 {object} ErrorResponse
// @Router /machines/{id}/jobs [get]
func (h *SettlementHandler) HandleListMachineJobs(w http.ResponseWriter, r *http.Request) {
	var q listQuery
	if err := h.queries.Decode(&q, r.URL.Query()); err != nil {
		h.sendError(w, settlement.ErrInvalidRequest.Withf("invalid query: %v", err))
		return
	}
	id := r.PathValue("id")
	jobs, err := h.orch.ListMachineJobs(r.Context(), id, q.Limit)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, MachineJobsResponse{MachineID: id, Jobs: jobs, Count: len(jobs)})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return v
		}
	}
	return ""
}
