package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	x402 "github.com/TheGreatAxios/skale-facilitator"
	"github.com/TheGreatAxios/skale-facilitator/extensions/bazaar"
)

// networkInfo describes one network in the capability listing.
type networkInfo struct {
	Name        string      `json:"name"`
	ChainID     int64       `json:"chainId"`
	Facilitator string      `json:"facilitator,omitempty"`
	Tokens      []tokenInfo `json:"tokens"`
}

type tokenInfo struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Decimals int    `json:"decimals"`
}

func (s *Server) handleIndex(c *gin.Context) {
	var networks []networkInfo
	for _, network := range s.registry.Networks() {
		info := networkInfo{Name: network.Name, ChainID: network.ChainID, Tokens: []tokenInfo{}}
		if signer, ok := s.scheme.Signer(network.Name); ok {
			info.Facilitator = signer.Address()
		}
		for _, token := range network.Tokens {
			info.Tokens = append(info.Tokens, tokenInfo{
				Address:  token.Address,
				Name:     token.Name,
				Version:  token.DomainVersion(),
				Decimals: token.Decimals,
			})
		}
		networks = append(networks, info)
	}

	endpoints := []string{"GET /supported", "GET /health", "POST /verify", "POST /settle"}
	if s.catalog != nil {
		endpoints = append(endpoints, "GET /discovery/resources", "GET /list")
	}

	c.JSON(http.StatusOK, gin.H{
		"name":        "x402 facilitator",
		"version":     Version,
		"x402Version": x402.Version,
		"schemes":     []string{x402.SchemeExact},
		"networks":    networks,
		"endpoints":   endpoints,
	})
}

func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.scheme.Supported())
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":     "ok",
		"version":    Version,
		"extensions": s.scheme.Supported().Extensions,
	}
	status := http.StatusOK

	if s.catalog != nil {
		count, err := s.catalog.Count(c.Request.Context())
		if err != nil {
			s.logger.Warn("discovery count failed", zap.Error(err))
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			body["discoveredResources"] = count
		}
	}

	c.JSON(status, body)
}

func (s *Server) handleVerify(c *gin.Context) {
	req, err := s.decodeRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonInvalidPayload})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.verifyTimeout)
	defer cancel()

	resp, err := s.scheme.Verify(ctx, req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.logError(c, "verify failed", err)
		c.JSON(http.StatusInternalServerError, x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonInternalError})
		return
	}

	c.JSON(statusFor(resp.InvalidReason), resp)
}

func (s *Server) handleSettle(c *gin.Context) {
	req, err := s.decodeRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, x402.SettleResponse{Success: false, ErrorReason: x402.ReasonInvalidPayload})
		return
	}

	resp, err := s.scheme.Settle(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.logError(c, "settle failed", err)
		c.JSON(http.StatusInternalServerError, x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonInternalError,
			Network:     req.PaymentRequirements.Network,
		})
		return
	}

	c.JSON(statusFor(resp.ErrorReason), resp)
}

func (s *Server) handleDiscovery(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	if s.catalog == nil {
		limit, offset = bazaar.NormalizePage(limit, offset)
		c.JSON(http.StatusOK, x402.DiscoveryListResponse{
			X402Version: x402.Version,
			Items:       []x402.DiscoveryResource{},
			Pagination:  x402.DiscoveryPagination{Limit: limit, Offset: offset},
		})
		return
	}

	resp, err := s.catalog.List(c.Request.Context(), limit, offset)
	if err != nil {
		s.logError(c, "discovery list failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": x402.ReasonInternalError})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// decodeRequest reads a verify/settle body. Numbers are kept as json.Number
// so authorization amounts never pass through float64.
func (s *Server) decodeRequest(c *gin.Context) (*x402.VerifyRequest, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBodyBytes)
	body, err := c.GetRawData()
	if err != nil {
		s.logger.Debug("unreadable request body", zap.Error(err))
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()

	var req x402.VerifyRequest
	if err := decoder.Decode(&req); err != nil {
		s.logger.Debug("malformed request body", zap.Error(err))
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if err := s.validate.Struct(req); err != nil {
		s.logger.Debug("request failed validation", zap.Error(err))
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return &req, nil
}

func (s *Server) logError(c *gin.Context, msg string, err error) {
	fields := []zap.Field{
		zap.String("request_id", x402.RequestIDFromContext(c.Request.Context())),
		zap.Error(err),
	}
	var paymentErr *x402.PaymentError
	if errors.As(err, &paymentErr) {
		fields = append(fields, zap.String("code", paymentErr.Code))
	}
	s.logger.Error(msg, fields...)
}

// statusFor maps a response reason to the HTTP status code.
func statusFor(reason string) int {
	if reason == x402.ReasonInvalidPayload {
		return http.StatusBadRequest
	}
	return http.StatusOK
}
