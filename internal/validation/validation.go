// Package validation provides input validation for the accessd API.
package validation

import (
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB). A 512-dim float64
// embedding serializes well under this.
const MaxRequestSize = 1 << 20

// MaxIdentityKeyLength bounds identity keys to keep store keys sane.
const MaxIdentityKeyLength = 128

// identityKeyRegex matches the identifiers accepted as identity keys.
var identityKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:-]*$`)

// ValidationError represents a client-fault input error (HTTP 400).
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIdentityKey checks if a string is an acceptable identity key
func IsValidIdentityKey(key string) bool {
	return key != "" && len(key) <= MaxIdentityKeyLength && identityKeyRegex.MatchString(key)
}

// CheckIdentityKey validates an identity key, returning a ValidationError on failure.
func CheckIdentityKey(key string) *ValidationError {
	if strings.TrimSpace(key) == "" {
		return &ValidationError{Field: "identity_key", Message: "is required"}
	}
	if !IsValidIdentityKey(key) {
		return &ValidationError{
			Field:   "identity_key",
			Message: "must be alphanumeric with ._:- separators, at most 128 chars",
		}
	}
	return nil
}

// CheckEmbedding validates an embedding vector against the store dimension.
// Rejects wrong dimension, non-finite components, and zero-norm vectors
// (a zero vector has no direction, so cosine similarity is undefined).
func CheckEmbedding(embedding []float64, dim int) *ValidationError {
	if len(embedding) == 0 {
		return &ValidationError{Field: "embedding", Message: "is required"}
	}
	if len(embedding) != dim {
		return &ValidationError{
			Field:   "embedding",
			Message: fmt.Sprintf("must have dimension %d, got %d", dim, len(embedding)),
		}
	}

	norm := 0.0
	for _, v := range embedding {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: "embedding", Message: "components must be finite"}
		}
		norm += v * v
	}
	if norm == 0 {
		return &ValidationError{Field: "embedding", Message: "must have non-zero norm"}
	}

	return nil
}

// CheckRiskContext validates the contextual feature ranges.
func CheckRiskContext(hour int, deviceTrust, geoDist, velocity float64) *ValidationError {
	if hour < 0 || hour > 23 {
		return &ValidationError{Field: "hour", Message: "must be within [0, 23]"}
	}
	if deviceTrust < 0 || deviceTrust > 1 || math.IsNaN(deviceTrust) {
		return &ValidationError{Field: "device_trust", Message: "must be within [0, 1]"}
	}
	if geoDist < 0 || math.IsNaN(geoDist) || math.IsInf(geoDist, 0) {
		return &ValidationError{Field: "geo_dist", Message: "must be a finite non-negative number"}
	}
	if velocity < 0 || math.IsNaN(velocity) || math.IsInf(velocity, 0) {
		return &ValidationError{Field: "velocity", Message: "must be a finite non-negative number"}
	}
	return nil
}

// CheckThreshold validates a cosine similarity threshold.
func CheckThreshold(threshold float64) *ValidationError {
	if math.IsNaN(threshold) || threshold < -1 || threshold > 1 {
		return &ValidationError{Field: "threshold", Message: "must be within [-1, 1]"}
	}
	return nil
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// AbortValidation writes the standard 400 response for a validation error.
func AbortValidation(c *gin.Context, verr *ValidationError) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"field":   verr.Field,
		"message": verr.Message,
	})
}
