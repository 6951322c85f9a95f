// This is a http type of reporter.
// It exposes the bridge operations on http routes: starting deposits and
// withdrawals, reading their status and resuming parked ones.

package reporter

import (
	"context"
	"errors"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	logger "github.com/sirupsen/logrus"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/agreement"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/bridge"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/common"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/operation"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/signers"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

const (
	ROUTE_HELLO      = "/hello"
	ROUTE_DEPOSIT    = "/deposit"
	ROUTE_WITHDRAW   = "/withdraw"
	ROUTE_OPERATION  = "/operation"
	ROUTE_OPERATIONS = "/operations"
	ROUTE_METRICS    = "/metrics"
)

// Bridge is what the reporter needs from bridge.Orchestrator.
type Bridge interface {
	StartDeposit(ctx context.Context, account agreement.Account, amount *big.Int) (bridge.Handle, error)
	StartWithdraw(ctx context.Context, account agreement.Account, amount *big.Int) (bridge.Handle, error)
	GetStatus(ctx context.Context, h bridge.Handle) (bridge.Status, error)
	Resume(ctx context.Context, op *operation.Operation) (bridge.Handle, error)
	List(ctx context.Context) ([]*operation.Operation, error)
}

type AccountSource interface {
	Account(addr ethcommon.Address) (agreement.Account, error)
}

// TransferRequest is the body of POST /deposit and POST /withdraw. Amount is
// a decimal number of whole tokens, e.g. "12.5".
type TransferRequest struct {
	Account string `json:"account" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

type OperationStatus struct {
	Operation *operation.Persisted `json:"operation"`
	Error     string               `json:"error,omitempty"`
}

type HttpReporter struct {
	serverIP   string // listen ip
	serverPort string // listen port

	// upstream
	bridge   Bridge
	accounts AccountSource

	// prometheus handler, ROUTE_METRICS is not served when nil
	metrics http.Handler
}

func NewHttpReporter(serverIP string, serverPort string, b Bridge, accounts AccountSource) *HttpReporter {
	return &HttpReporter{
		serverIP:   serverIP,
		serverPort: serverPort,
		bridge:     b,
		accounts:   accounts,
	}
}

func (h *HttpReporter) WithMetrics(handler http.Handler) *HttpReporter {
	h.metrics = handler
	return h
}

// Hook up routes & handlers
func (h *HttpReporter) SetupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Define routes & handlers
	router.GET(ROUTE_HELLO, Hello)
	router.POST(ROUTE_DEPOSIT, h.Deposit)
	router.POST(ROUTE_WITHDRAW, h.Withdraw)
	router.GET(ROUTE_OPERATION+"/:id", h.Operation)
	router.POST(ROUTE_OPERATION+"/:id/resume", h.Resume)
	router.GET(ROUTE_OPERATIONS, h.Operations)
	if h.metrics != nil {
		router.GET(ROUTE_METRICS, gin.WrapH(h.metrics))
	}

	return router
}

// Run serves until ctx is done.
func (h *HttpReporter) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(h.serverIP, h.serverPort),
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("http reporter listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("http reporter stopped")
	return nil
}

// Example route.
func Hello(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "world",
	})
}

func (h *HttpReporter) Deposit(c *gin.Context) {
	h.start(c, h.bridge.StartDeposit)
}

func (h *HttpReporter) Withdraw(c *gin.Context) {
	h.start(c, h.bridge.StartWithdraw)
}

type startFunc func(ctx context.Context, account agreement.Account, amount *big.Int) (bridge.Handle, error)

func (h *HttpReporter) start(c *gin.Context, start startFunc) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !common.IsHexAddress(req.Account) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account address"})
		return
	}
	amount, err := common.ParseUnits(req.Amount, common.TokenDecimals)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	account, err := h.accounts.Account(ethcommon.HexToAddress(req.Account))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	handle, err := start(c.Request.Context(), account, amount)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"operationId": handle.String()})
}

func (h *HttpReporter) Operation(c *gin.Context) {
	st, err := h.bridge.GetStatus(c.Request.Context(), bridge.Handle(common.Trim0xPrefix(c.Param("id"))))
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toOperationStatus(st))
}

func (h *HttpReporter) Resume(c *gin.Context) {
	ctx := c.Request.Context()
	st, err := h.bridge.GetStatus(ctx, bridge.Handle(common.Trim0xPrefix(c.Param("id"))))
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	handle, err := h.bridge.Resume(ctx, st.Operation)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"operationId": handle.String()})
}

// Operations lists every operation, optionally only those in ?state=.
func (h *HttpReporter) Operations(c *gin.Context) {
	ops, err := h.bridge.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	state := operation.State(c.Query("state"))
	out := make([]*operation.Persisted, 0, len(ops))
	for _, op := range ops {
		if state != "" && op.State != state {
			continue
		}
		out = append(out, op.Persisted())
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func toOperationStatus(st bridge.Status) *OperationStatus {
	out := &OperationStatus{Operation: st.Operation.Persisted()}
	if st.Err != nil {
		out.Error = st.Err.Error()
	}
	return out
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, bridge.ErrUnknownOperation):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrInvalidAmount),
		errors.Is(err, bridge.ErrNoSigner),
		errors.Is(err, signers.ErrUnknownSigner),
		errors.Is(err, operation.ErrInvalidOperation):
		return http.StatusBadRequest
	case errors.Is(err, bridge.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
