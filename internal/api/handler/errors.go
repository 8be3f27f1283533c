package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/BlockWitness/internal/evidence"
	"github.com/jmerrifield20/BlockWitness/internal/hashing"
	"github.com/jmerrifield20/BlockWitness/internal/ledger"
	"github.com/jmerrifield20/BlockWitness/internal/merkle"
	"go.uber.org/zap"
)

// writeError maps domain errors to HTTP statuses. Server-side failures are
// logged and answered with a generic message.
func writeError(c *gin.Context, logger *zap.Logger, op string, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, evidence.ErrNotFound),
		errors.Is(err, merkle.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, evidence.ErrInvalidRequest),
		errors.Is(err, hashing.ErrInvalidDigest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}
