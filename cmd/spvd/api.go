package main

import (
	"errors"
	"strconv"
	"time"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/gofiber/fiber/v2"

	"github.com/bitfsorg/libspv-go/session"
	"github.com/bitfsorg/libspv-go/spv"
)

// Response represents the standard API response format
type Response struct {
	Status      string      `json:"status"`
	Value       interface{} `json:"value,omitempty"`
	Code        string      `json:"code,omitempty"`
	Description string      `json:"description,omitempty"`
}

// Error codes returned in Response.Code.
const (
	codeInvalidParams    = "ERR_INVALID_PARAMS"
	codeTxNotFound       = "ERR_TX_NOT_FOUND"
	codeNoAlternate      = "ERR_NO_ALTERNATE_SERVER"
	codeAlternateFailure = "ERR_ALTERNATE_UNREACHABLE"
	codeInternal         = "ERR_INTERNAL"
)

// StatusView is the value of GET /v1/status.
type StatusView struct {
	Network    string `json:"network"`
	Height     uint32 `json:"height"`
	TipHash    string `json:"tip_hash"`
	SPVEnabled bool   `json:"spv_enabled"`
}

// TxView is a transaction's verification record.
type TxView struct {
	TxID      string           `json:"txid"`
	Height    uint32           `json:"height"`
	BlockHash string           `json:"block_hash,omitempty"`
	Result    spv.VerifyResult `json:"result"`
	Attempts  int              `json:"attempts,omitempty"`
	LastError string           `json:"last_error,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// CrossValidationView flattens a cross-validation result.
type CrossValidationView struct {
	Kind             string  `json:"kind"`
	CommonAncestor   *uint32 `json:"common_ancestor,omitempty"`
	LongestHeight    *uint32 `json:"longest_height,omitempty"`
	AlternateHeight  *uint32 `json:"alternate_height,omitempty"`
	AlternateTipHash string  `json:"alternate_tip_hash,omitempty"`
	Reason           string  `json:"reason,omitempty"`
}

// Server exposes a session over HTTP.
type Server struct {
	sess *session.Session
}

// NewServer creates a new API server
func NewServer(sess *session.Session) *Server {
	return &Server{sess: sess}
}

func errorResponse(c *fiber.Ctx, status int, code, description string) error {
	return c.Status(status).JSON(Response{
		Status:      "error",
		Code:        code,
		Description: description,
	})
}

func success(c *fiber.Ctx, value interface{}) error {
	return c.JSON(Response{
		Status: "success",
		Value:  value,
	})
}

func parseTxID(c *fiber.Ctx) (chainhash.Hash, error) {
	txid, err := chainhash.NewHashFromHex(c.Params("txid"))
	if err != nil || len(c.Params("txid")) != 2*chainhash.HashSize {
		return chainhash.Hash{}, errors.New("invalid txid parameter")
	}
	return *txid, nil
}

func txView(rec *spv.TxRecord) TxView {
	v := TxView{
		TxID:      rec.TxID.String(),
		Height:    rec.Height,
		Result:    rec.Result,
		Attempts:  rec.Attempts,
		LastError: rec.LastError,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.BlockHash != nil {
		v.BlockHash = rec.BlockHash.String()
	}
	return v
}

func u32(v uint32) *uint32 { return &v }

func crossValidationView(r spv.CrossValidationResult) CrossValidationView {
	v := CrossValidationView{Kind: r.Kind()}
	switch r := r.(type) {
	case *spv.MinorityFork:
		v.CommonAncestor = u32(r.CommonAncestor)
		v.LongestHeight = u32(r.LongestHeight)
		v.AlternateTipHash = r.AlternateTipHash.String()
	case *spv.Lagging:
		v.LongestHeight = u32(r.LongestHeight)
	case *spv.Ahead:
		v.CommonAncestor = u32(r.CommonAncestor)
		v.AlternateHeight = u32(r.AlternateHeight)
	case *spv.Invalid:
		v.Reason = r.Reason.Error()
	}
	return v
}

// HandleStatus returns the local chain tip.
func (s *Server) HandleStatus(c *fiber.Ctx) error {
	c.Set("Cache-Control", "no-cache")
	height, hash := s.sess.BlockStatus()
	return success(c, StatusView{
		Network:    s.sess.Params().Name,
		Height:     height,
		TipHash:    hash.String(),
		SPVEnabled: s.sess.Engine().Enabled(),
	})
}

// HandleGetTx verifies a tracked transaction if its verification is pending
// and returns its record.
func (s *Server) HandleGetTx(c *fiber.Ctx) error {
	txid, err := parseTxID(c)
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, codeInvalidParams, err.Error())
	}

	if _, err := s.sess.SPVVerifyTx(c.UserContext(), txid); err != nil {
		if errors.Is(err, spv.ErrTxNotFound) {
			return errorResponse(c, fiber.StatusNotFound, codeTxNotFound, "Transaction is not tracked")
		}
		// The record still carries the attempt count and last error.
		spvdLog.Debugf("Verifying %s: %v", txid, err)
	}

	rec, err := s.sess.TxRecord(txid)
	if err != nil {
		if errors.Is(err, spv.ErrTxNotFound) {
			return errorResponse(c, fiber.StatusNotFound, codeTxNotFound, "Transaction is not tracked")
		}
		return errorResponse(c, fiber.StatusInternalServerError, codeInternal, err.Error())
	}
	return success(c, txView(rec))
}

// HandleTrackTx starts tracking a transaction at the height the indexing
// server reports. Height 0 or no height means unconfirmed.
func (s *Server) HandleTrackTx(c *fiber.Ctx) error {
	txid, err := parseTxID(c)
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, codeInvalidParams, err.Error())
	}

	var height uint64
	if h := c.Query("height"); h != "" {
		height, err = strconv.ParseUint(h, 10, 32)
		if err != nil {
			return errorResponse(c, fiber.StatusBadRequest, codeInvalidParams, "Invalid height parameter")
		}
	}

	if _, err := s.sess.TrackTx(txid, uint32(height)); err != nil {
		return errorResponse(c, fiber.StatusInternalServerError, codeInternal, err.Error())
	}
	rec, err := s.sess.TxRecord(txid)
	if err != nil {
		return errorResponse(c, fiber.StatusInternalServerError, codeInternal, err.Error())
	}
	return success(c, txView(rec))
}

// HandleForgetTx stops tracking a transaction.
func (s *Server) HandleForgetTx(c *fiber.Ctx) error {
	txid, err := parseTxID(c)
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, codeInvalidParams, err.Error())
	}
	if err := s.sess.ForgetTx(txid); err != nil {
		return errorResponse(c, fiber.StatusInternalServerError, codeInternal, err.Error())
	}
	return success(c, txid.String())
}

// HandleSetSPV switches verification on or off.
func (s *Server) HandleSetSPV(c *fiber.Ctx) error {
	enabled, err := strconv.ParseBool(c.Query("enabled"))
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, codeInvalidParams, "Invalid enabled parameter")
	}
	if err := s.sess.SetSPVEnabled(enabled); err != nil {
		return errorResponse(c, fiber.StatusInternalServerError, codeInternal, err.Error())
	}
	return success(c, enabled)
}

// HandleCrossValidate compares the local chain with an alternate server.
// MinorityFork and Invalid outcomes are reported as successful responses.
func (s *Server) HandleCrossValidate(c *fiber.Ctx) error {
	result, err := s.sess.SPVCrossValidate(c.UserContext(), c.Query("server"))
	switch {
	case errors.Is(err, session.ErrNoAlternateServer):
		return errorResponse(c, fiber.StatusBadRequest, codeNoAlternate, err.Error())
	case err != nil:
		return errorResponse(c, fiber.StatusBadGateway, codeAlternateFailure, err.Error())
	}
	return success(c, crossValidationView(result))
}

// SetupRoutes configures all Fiber routes
func (s *Server) SetupRoutes(app *fiber.App) {
	v1 := app.Group("/v1")
	v1.Get("/status", s.HandleStatus)
	v1.Get("/tx/:txid", s.HandleGetTx)
	v1.Post("/tx/:txid/track", s.HandleTrackTx)
	v1.Delete("/tx/:txid", s.HandleForgetTx)
	v1.Put("/spv", s.HandleSetSPV)
	v1.Post("/crossvalidate", s.HandleCrossValidate)
}
