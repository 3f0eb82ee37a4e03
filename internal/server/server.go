package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/corebank/settlement/internal/settlement"
	"github.com/corebank/settlement/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Settler settles transfers with retry on transient contention.
type Settler interface {
	Transfer(ctx context.Context, req settlement.TransferRequest) (*settlement.TransferResult, error)
}

// TransactionReader looks up settled transactions by reference.
type TransactionReader interface {
	TransactionByReference(ctx context.Context, reference string) (*storage.Transaction, []storage.Charge, error)
}

type Server struct {
	settler Settler
	reader  TransactionReader
	logger  *slog.Logger
}

func New(settler Settler, reader TransactionReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{settler: settler, reader: reader, logger: logger}
}

func (s *Server) Register(r gin.IRouter) {
	v1 := r.Group("/api/v1")
	v1.POST("/transfers", s.createTransfer)
	v1.GET("/transfers/:reference", s.getTransfer)
}

type transferRequest struct {
	SourceAccount      string `json:"source_account"`
	DestinationAccount string `json:"destination_account"`
	Amount             string `json:"amount"`
	Category           string `json:"category"`
	Description        string `json:"description"`
}

type chargeResponse struct {
	BankID  int64  `json:"bank_id"`
	Tier    string `json:"tier"`
	FeeName string `json:"fee_name"`
	Amount  string `json:"amount"`
}

type transferResponse struct {
	TransactionID      string           `json:"transaction_id"`
	Reference          string           `json:"reference"`
	SourceAccount      string           `json:"source_account,omitempty"`
	DestinationAccount string           `json:"destination_account,omitempty"`
	GrossAmount        string           `json:"gross_amount"`
	TotalCharges       string           `json:"total_charges"`
	NetAmount          string           `json:"net_amount"`
	Category           string           `json:"category,omitempty"`
	Status             string           `json:"status"`
	Description        string           `json:"description,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	Charges            []chargeResponse `json:"charges"`
}

func (s *Server) createTransfer(c *gin.Context) {
	var body transferRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	req, err := parseTransferRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.settler.Transfer(c.Request.Context(), req)
	if err != nil {
		s.writeSettlementError(c, err)
		return
	}

	resp := transferResponse{
		TransactionID:      result.TransactionID.String(),
		Reference:          result.Reference,
		SourceAccount:      req.SourceAccount,
		DestinationAccount: req.DestinationAccount,
		GrossAmount:        result.GrossAmount.String(),
		TotalCharges:       result.TotalCharges.String(),
		NetAmount:          result.NetAmount.String(),
		Category:           string(req.Category),
		Status:             string(result.Status),
		Description:        req.Description,
		CreatedAt:          result.CreatedAt,
		Charges:            toChargeResponses(result.Charges),
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) getTransfer(c *gin.Context) {
	reference := strings.TrimSpace(c.Param("reference"))
	txn, charges, err := s.reader.TransactionByReference(c.Request.Context(), reference)
	if errors.Is(err, storage.ErrTransactionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	if err != nil {
		s.logger.Error("transaction lookup failed", "reference", reference, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, transferResponse{
		TransactionID:      txn.ID.String(),
		Reference:          txn.Reference,
		SourceAccount:      txn.SourceAccountNumber,
		DestinationAccount: txn.DestinationAccountNumber,
		GrossAmount:        txn.GrossAmount.String(),
		TotalCharges:       txn.TotalCharges.String(),
		NetAmount:          txn.NetAmount.String(),
		Category:           string(txn.Category),
		Status:             string(txn.Status),
		Description:        txn.Description,
		CreatedAt:          txn.CreatedAt,
		Charges:            toChargeResponses(charges),
	})
}

func (s *Server) writeSettlementError(c *gin.Context, err error) {
	code, ok := settlement.CodeOf(err)
	if !ok {
		s.logger.Error("settlement failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	var se *settlement.Error
	errors.As(err, &se)
	c.JSON(statusForCode(code), gin.H{
		"code":  string(code),
		"error": se.Message,
	})
}

func statusForCode(code settlement.FailureCode) int {
	switch code {
	case settlement.FailureAccountNotFound:
		return http.StatusNotFound
	case settlement.FailureSystemContention:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func parseTransferRequest(body transferRequest) (settlement.TransferRequest, error) {
	source := strings.TrimSpace(body.SourceAccount)
	destination := strings.TrimSpace(body.DestinationAccount)
	if source == "" || destination == "" {
		return settlement.TransferRequest{}, errors.New("source_account and destination_account are required")
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(body.Amount))
	if err != nil || !amount.IsPositive() {
		return settlement.TransferRequest{}, errors.New("amount must be a positive decimal string")
	}

	category := storage.CategoryTransfer
	if raw := strings.TrimSpace(body.Category); raw != "" {
		category = storage.Category(strings.ToUpper(raw))
		if !storage.ValidCategory(category) {
			return settlement.TransferRequest{}, errors.New("unknown transfer category")
		}
	}

	return settlement.TransferRequest{
		SourceAccount:      source,
		DestinationAccount: destination,
		Amount:             amount,
		Category:           category,
		Description:        strings.TrimSpace(body.Description),
	}, nil
}

func toChargeResponses(charges []storage.Charge) []chargeResponse {
	out := make([]chargeResponse, 0, len(charges))
	for _, c := range charges {
		out = append(out, chargeResponse{
			BankID:  c.BankID,
			Tier:    string(c.Tier),
			FeeName: c.FeeName,
			Amount:  c.Amount.String(),
		})
	}
	return out
}
