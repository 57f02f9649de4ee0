// Package client is the machine side of the settlement protocol: it keeps a
// machine identity on disk, registers it, declares jobs and signs
// completion proofs.
package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"foundry-backend/core/identity"
	"foundry-backend/core/reward"
	"foundry-backend/core/settlement"
	"foundry-backend/retry"
)

// Config controls a Client.
type Config struct {
	APIURL          string
	Attempts        int
	RetryDelay      time.Duration
	CredentialsFile string
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// DefaultConfig targets a local server.
func DefaultConfig() Config {
	return Config{
		APIURL:          "http://localhost:3001",
		Attempts:        3,
		RetryDelay:      2 * time.Second,
		CredentialsFile: identity.DefaultCredentialsFile,
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
	Fatal   bool
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("foundry api %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("foundry api %d: %s", e.Status, e.Message)
}

// Temporary reports whether repeating the request may succeed.
func (e *APIError) Temporary() bool {
	return !e.Fatal && (e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError)
}

// ErrNotInitialized is returned before an identity is generated or loaded.
var ErrNotInitialized = errors.New("client: machine identity not initialized")

// Client talks to a settlement server on behalf of one machine.
type Client struct {
	cfg       Config
	http      *http.Client
	retry     retry.Config
	logger    *slog.Logger
	machineID string
	key       *identity.Keypair
}

// New returns a client with no identity loaded.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.APIURL == "" {
		cfg.APIURL = def.APIURL
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.CredentialsFile == "" {
		cfg.CredentialsFile = def.CredentialsFile
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	c := &Client{cfg: cfg, http: cfg.HTTPClient, logger: cfg.Logger.With("component", "foundry-client")}
	c.retry = retry.Config{
		Attempts:  cfg.Attempts,
		BaseDelay: cfg.RetryDelay,
		MaxWait:   8 * cfg.RetryDelay,
		Report: func(attempt int, err error) error {
			c.logger.Warn("request failed", "attempt", attempt, "of", cfg.Attempts, "error", err)
			return nil
		},
	}
	return c
}

// MachineID returns the loaded machine id.
func (c *Client) MachineID() string { return c.machineID }

// PublicKey returns the loaded public key in base58.
func (c *Client) PublicKey() string {
	if c.key == nil {
		return ""
	}
	return c.key.PublicKeyBase58()
}

// Generate creates a fresh identity in memory.
func (c *Client) Generate() (identity.Credentials, error) {
	kp, err := identity.Generate()
	if err != nil {
		return identity.Credentials{}, err
	}
	c.machineID = uuid.NewString()
	c.key = &kp
	c.logger.Info("generated machine identity", "machine_uuid", c.machineID, "public_key", kp.PublicKeyBase58())
	return identity.NewCredentials(c.machineID, kp), nil
}

// Load sets the identity from saved credentials.
func (c *Client) Load(creds identity.Credentials) error {
	kp, err := creds.Keypair()
	if err != nil {
		return err
	}
	c.machineID = creds.MachineUUID
	c.key = &kp
	return nil
}

// Init loads the credentials file, or generates, saves and registers a new
// identity when there is none. existing reports which happened.
func (c *Client) Init(ctx context.Context, metadata map[string]any) (existing bool, err error) {
	creds, err := identity.LoadCredentials(c.cfg.CredentialsFile)
	switch {
	case err == nil:
		if err := c.Load(creds); err != nil {
			return false, err
		}
		c.logger.Info("loaded machine identity", "machine_uuid", c.machineID)
		return true, nil
	case !errors.Is(err, os.ErrNotExist):
		return false, err
	}

	creds, err = c.Generate()
	if err != nil {
		return false, err
	}
	if err := identity.SaveCredentials(c.cfg.CredentialsFile, creds); err != nil {
		return false, err
	}
	if _, err := c.Register(ctx, metadata); err != nil {
		return false, err
	}
	return false, nil
}

// Register announces the machine's id and public key.
func (c *Client) Register(ctx context.Context, metadata map[string]any) (settlement.Machine, error) {
	if c.key == nil {
		return settlement.Machine{}, ErrNotInitialized
	}
	body := map[string]any{
		"machine_uuid":          c.machineID,
		"machine_pubkey_base58": c.key.PublicKeyBase58(),
		"metadata":              metadata,
	}
	var m settlement.Machine
	if err := c.do(ctx, http.MethodPost, "/register-machine", body, &m); err != nil {
		return settlement.Machine{}, fmt.Errorf("register machine: %w", err)
	}
	c.logger.Info("machine registered", "machine_uuid", c.machineID)
	return m, nil
}

// SubmitResult is the outcome of declaring a job.
type SubmitResult struct {
	Job       settlement.Job
	Duplicate bool
}

// SubmitJob declares a job. A hash the server already knows is reported as
// a duplicate, not an error.
func (c *Client) SubmitJob(ctx context.Context, jobHash string, complexity float64, payload any) (SubmitResult, error) {
	if c.machineID == "" {
		return SubmitResult{}, ErrNotInitialized
	}
	complexity = settlement.NormalizeComplexity(complexity)
	body := map[string]any{
		"machine_uuid": c.machineID,
		"job_hash":     jobHash,
		"complexity":   complexity,
		"payload":      payload,
	}
	var job settlement.Job
	err := c.do(ctx, http.MethodPost, "/submit-job", body, &job)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		c.logger.Warn("job already exists", "job_hash", jobHash)
		return SubmitResult{Job: settlement.Job{Hash: jobHash, MachineID: c.machineID}, Duplicate: true}, nil
	}
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit job: %w", err)
	}
	c.logger.Debug("job submitted", "job_hash", jobHash, "complexity", complexity)
	return SubmitResult{Job: job}, nil
}

// CompleteResult is the settlement returned by /complete-job.
type CompleteResult struct {
	settlement.Settlement
	AgentReward float64 `json:"agent_reward"`
	TreasuryFee float64 `json:"treasury_fee"`
	FounderFee  float64 `json:"founder_fee"`
	TxSignature string  `json:"tx_signature"`
}

// CompleteJob signs a completion proof now and submits it. Retries reuse
// the same proof, which the server treats idempotently.
func (c *Client) CompleteJob(ctx context.Context, jobHash, recipientWallet string) (CompleteResult, error) {
	if c.key == nil {
		return CompleteResult{}, ErrNotInitialized
	}
	ts, sig := c.key.SignProof(jobHash, recipientWallet, time.Now())
	body := map[string]any{
		"machine_uuid":     c.machineID,
		"job_hash":         jobHash,
		"recipient_wallet": recipientWallet,
		"completion_proof": map[string]string{
			"timestamp":        ts,
			"signature_base58": sig,
		},
	}
	var res CompleteResult
	if err := c.do(ctx, http.MethodPost, "/complete-job", body, &res); err != nil {
		return CompleteResult{}, fmt.Errorf("complete job: %w", err)
	}
	c.logger.Info("job completed",
		"job_hash", jobHash,
		"agent_reward", res.AgentReward,
		"treasury_fee", res.TreasuryFee,
		"founder_fee", res.FounderFee,
		"tx_signature", res.TxSignature,
		"activity_ratio", res.ActivityRatio,
	)
	return res, nil
}

// GetJob fetches a job record including its community flags.
func (c *Client) GetJob(ctx context.Context, jobHash string) (settlement.Job, error) {
	var job settlement.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobHash), nil, &job); err != nil {
		return settlement.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// FlagJob reports a suspicious job. details, if set, is appended to reason.
func (c *Client) FlagJob(ctx context.Context, jobHash, reason, details, member string) (settlement.Job, error) {
	if details != "" {
		reason = reason + ": " + details
	}
	if member == "" {
		member = "anonymous"
	}
	body := map[string]string{"job_hash": jobHash, "flag_reason": reason, "community_member": member}
	var job settlement.Job
	if err := c.do(ctx, http.MethodPost, "/flag-job", body, &job); err != nil {
		return settlement.Job{}, fmt.Errorf("flag job: %w", err)
	}
	return job, nil
}

// Metrics fetches the network snapshot.
func (c *Client) Metrics(ctx context.Context) (settlement.NetworkMetrics, error) {
	var m settlement.NetworkMetrics
	if err := c.do(ctx, http.MethodGet, "/metrics", nil, &m); err != nil {
		return settlement.NetworkMetrics{}, fmt.Errorf("metrics: %w", err)
	}
	return m, nil
}

// EstimateReward asks what a job of the given shape would earn this machine.
func (c *Client) EstimateReward(ctx context.Context, durationSeconds, complexity float64) (reward.Breakdown, error) {
	body := settlement.EstimateRequest{MachineID: c.machineID, DurationSeconds: durationSeconds, Complexity: complexity}
	var b reward.Breakdown
	if err := c.do(ctx, http.MethodPost, "/estimate-reward", body, &b); err != nil {
		return reward.Breakdown{}, fmt.Errorf("estimate reward: %w", err)
	}
	return b, nil
}

// JobHash derives a job hash from the machine id, a file name and extra
// data: job_<sha256 prefix>_<unix millis>.
func (c *Client) JobHash(filename, extra string) string {
	return JobHash(c.machineID, filename, extra, time.Now())
}

// JobHash is the deterministic form of Client.JobHash.
func JobHash(machineID, filename, extra string, at time.Time) string {
	ms := strconv.FormatInt(at.UnixMilli(), 10)
	sum := sha256.Sum256([]byte(machineID + "|" + filename + "|" + ms + "|" + extra))
	return "job_" + hex.EncodeToString(sum[:])[:16] + "_" + ms
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return retry.Permanent(err)
		}
	}

	return c.retry.Do(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, reader)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := decodeError(resp.StatusCode, data)
			if apiErr.Temporary() {
				return apiErr
			}
			return retry.Permanent(apiErr)
		}
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode %s response: %w", path, err))
		}
		return nil
	})
}

func decodeError(status int, data []byte) *APIError {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
		Fatal bool   `json:"fatal"`
	}
	apiErr := &APIError{Status: status}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Message, apiErr.Code, apiErr.Fatal = body.Error, body.Code, body.Fatal
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
