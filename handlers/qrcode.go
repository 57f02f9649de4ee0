package handlers

import (
	"bytes"
	"fmt"
	"image/png"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/skip2/go-qrcode"

	"foundry-backend/core/settlement"
)

// QRCodeHandler renders pairing codes for registered machines.
type QRCodeHandler struct {
	*BaseHandler
	orch *settlement.Orchestrator
	size int
}

// NewQRCodeHandler creates a new QR code handler
func NewQRCodeHandler(orch *settlement.Orchestrator, logger *slog.Logger) *QRCodeHandler {
	return &QRCodeHandler{
		BaseHandler: NewBaseHandler(logger),
		orch:        orch,
		size:        256,
	}
}

// Register mounts the QR route.
func (h *QRCodeHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /machines/{id}/qrcode", h.HandleMachineQRCode)
}

// PairingURI is the content of a machine's pairing code.
func PairingURI(m settlement.Machine) string {
	q := url.Values{}
	q.Set("pubkey", m.PublicKey)
	if m.OwnerWallet != "" {
		q.Set("owner", m.OwnerWallet)
	}
	return "foundry://machine/" + url.PathEscape(m.ID) + "?" + q.Encode()
}

// GenerateQRCode encodes content as a PNG image.
func GenerateQRCode(content string, size int) ([]byte, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}

	buf := new(bytes.Buffer)
	if err := png.Encode(buf, qr.Image(size)); err != nil {
		return nil, fmt.Errorf("failed to encode QR code to PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// HandleMachineQRCode returns a PNG pairing code for a machine
// @Summary Machine pairing QR code
// @Tags Machines
// @Produce png
// @Param id path string true "machine id"
// @Success 200 {file} binary
// @Failure 404 {object} ErrorResponse
// @Router /machines/{id}/qrcode [get]
func (h *QRCodeHandler) HandleMachineQRCode(w http.ResponseWriter, r *http.Request) {
	m, err := h.orch.GetMachine(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, err)
		return
	}

	data, err := GenerateQRCode(PairingURI(m), h.size)
	if err != nil {
		h.logger.Error("qr code", "machine_id", m.ID, "error", err)
		h.sendJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to generate QR code", Code: "internal_error"})
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(data)
}
