package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"dream-journal/internal/domain"
	"dream-journal/internal/quota"
	"dream-journal/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	errorUnauthorized = "UNAUTHORIZED"
	errorMethod       = "METHOD_NOT_ALLOWED"
)

type DreamUseCase interface {
	Analyze(ctx context.Context, in usecase.AnalyzeInput) (usecase.AnalyzeOutput, error)
	Get(ctx context.Context, userID, dreamID string) (usecase.DreamDetail, error)
	List(ctx context.Context, userID string) ([]domain.Dream, error)
}

type ImageUseCase interface {
	Generate(ctx context.Context, in usecase.ImageInput) (usecase.ImageOutput, error)
}

type AccountUseCase interface {
	Usage(ctx context.Context, userID string) (quota.Usage, error)
	Export(ctx context.Context, userID string) (usecase.Export, error)
	Erase(ctx context.Context, userID string) (int, error)
}

type Handler struct {
	dreams     DreamUseCase
	images     ImageUseCase
	account    AccountUseCase
	logger     *slog.Logger
	upgradeURL string
}

type analyzeRequest struct {
	Prompt string `json:"prompt"`
}

type imageRequest struct {
	Prompt string `json:"prompt"`
}

type dreamResponse struct {
	domain.Dream
	RecurringDreamAnalysis *domain.RecurringDreamAnalysis `json:"recurringDreamAnalysis,omitempty"`
}

type listResponse struct {
	Dreams []domain.Dream `json:"dreams"`
}

type imageResponse struct {
	DreamID       string `json:"dreamId"`
	ImageURL      string `json:"imageUrl"`
	Prompt        string `json:"prompt"`
	RevisedPrompt string `json:"revisedPrompt,omitempty"`
}

type usageResponse struct {
	Plan           domain.Plan `json:"plan"`
	Label          string      `json:"label"`
	CurrentCount   int         `json:"currentCount"`
	Limit          int         `json:"limit"`
	Percentage     float64     `json:"percentage"`
	CanUpgrade     bool        `json:"canUpgrade"`
	DaysUntilReset int         `json:"daysUntilReset"`
	PeriodStart    time.Time   `json:"periodStart"`
	PeriodEnd      time.Time   `json:"periodEnd"`
}

type deleteResponse struct {
	Deleted int `json:"deleted"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	WindowDays int    `json:"windowDays,omitempty"`
	ResetAt    string `json:"resetAt,omitempty"`
	UpgradeURL string `json:"upgradeUrl,omitempty"`
}

func NewHandler(dreams DreamUseCase, images ImageUseCase, account AccountUseCase, logger *slog.Logger, upgradeURL string) (*Handler, error) {
	if dreams == nil {
		return nil, errors.New("handler: dream use case must not be nil")
	}
	if images == nil {
		return nil, errors.New("handler: image use case must not be nil")
	}
	if account == nil {
		return nil, errors.New("handler: account use case must not be nil")
	}
	if logger == nil {
		return nil, errors.New("handler: logger must not be nil")
	}
	return &Handler{
		dreams:     dreams,
		images:     images,
		account:    account,
		logger:     logger,
		upgradeURL: strings.TrimSpace(upgradeURL),
	}, nil
}

// Handle serves one API Gateway proxy event.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	userID := authorizedUser(req.RequestContext.Authorizer)

	resp := h.route(ctx, req, userID)
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers["Content-Type"] = "application/json"
	resp.Headers[correlationHeader] = correlationID

	h.logger.InfoContext(ctx, "request handled",
		"method", req.HTTPMethod,
		"path", req.Path,
		"status", resp.StatusCode,
		"user_id", userID,
		"correlation_id", correlationID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

func (h *Handler) route(ctx context.Context, req events.APIGatewayProxyRequest, userID string) events.APIGatewayProxyResponse {
	segments := pathSegments(req.Path)
	method := strings.ToUpper(req.HTTPMethod)

	var handle func() events.APIGatewayProxyResponse
	switch {
	case len(segments) == 1 && segments[0] == "dreams":
		switch method {
		case http.MethodPost:
			handle = func() events.APIGatewayProxyResponse { return h.analyze(ctx, userID, req.Body) }
		case http.MethodGet:
			handle = func() events.APIGatewayProxyResponse { return h.list(ctx, userID) }
		}
	case len(segments) == 2 && segments[0] == "dreams":
		if method == http.MethodGet {
			handle = func() events.APIGatewayProxyResponse { return h.get(ctx, userID, dreamID(req, segments)) }
		}
	case len(segments) == 3 && segments[0] == "dreams" && segments[2] == "image":
		if method == http.MethodPost {
			handle = func() events.APIGatewayProxyResponse {
				return h.generateImage(ctx, userID, dreamID(req, segments), req.Body)
			}
		}
	case len(segments) == 1 && segments[0] == "usage":
		if method == http.MethodGet {
			handle = func() events.APIGatewayProxyResponse { return h.usage(ctx, userID) }
		}
	case len(segments) == 2 && segments[0] == "user" && segments[1] == "export-data":
		if method == http.MethodGet {
			handle = func() events.APIGatewayProxyResponse { return h.export(ctx, userID) }
		}
	case len(segments) == 2 && segments[0] == "user" && segments[1] == "delete-data":
		if method == http.MethodDelete {
			handle = func() events.APIGatewayProxyResponse { return h.erase(ctx, userID) }
		}
	default:
		return jsonResponse(http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Message: "route_not_found"})
	}

	if handle == nil {
		return jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: errorMethod})
	}
	if userID == "" {
		return jsonResponse(http.StatusUnauthorized, errorResponse{Error: errorUnauthorized})
	}
	return handle()
}

func (h *Handler) analyze(ctx context.Context, userID, body string) events.APIGatewayProxyResponse {
	var req analyzeRequest
	if err := decodeBody(body, &req); err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "invalid_body"})
	}
	out, err := h.dreams.Analyze(ctx, usecase.AnalyzeInput{UserID: userID, Text: req.Prompt})
	if err != nil {
		return h.errorResponse(ctx, err)
	}
	resp := jsonResponse(http.StatusOK, dreamResponse{Dream: out.Dream, RecurringDreamAnalysis: out.Recurring})
	setRateLimitHeaders(resp.Headers, out.Quota.Limit, out.Quota.Remaining, out.Quota.PeriodEnd)
	return resp
}

func (h *Handler) list(ctx context.Context, userID string) events.APIGatewayProxyResponse {
	dreams, err := h.dreams.List(ctx, userID)
	if err != nil {
		return h.errorResponse(ctx, err)
	}
	if dreams == nil {
		dreams = []domain.Dream{}
	}
	return jsonResponse(http.StatusOK, listResponse{Dreams: dreams})
}

func (h *Handler) get(ctx context.Context, userID, id string) events.APIGatewayProxyResponse {
	out, err := h.dreams.Get(ctx, userID, id)
	if err != nil {
		return h.errorResponse(ctx, err)
	}
	return jsonResponse(http.StatusOK, dreamResponse{Dream: out.Dream, RecurringDreamAnalysis: out.Recurring})
}

func (h *Handler) generateImage(ctx context.Context, userID, id, body string) events.APIGatewayProxyResponse {
	var req imageRequest
	if strings.TrimSpace(body) != "" {
		if err := decodeBody(body, &req); err != nil {
			return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "invalid_body"})
		}
	}
	out, err := h.images.Generate(ctx, usecase.ImageInput{UserID: userID, DreamID: id, Prompt: req.Prompt})
	if err != nil {
		return h.errorResponse(ctx, err)
	}
	return jsonResponse(http.StatusOK, imageResponse{
		DreamID:       out.DreamID,
		ImageURL:      out.ImageURL,
		Prompt:        out.Prompt,
		RevisedPrompt: out.RevisedPrompt,
	})
}

func (h *Handler) usage(ctx context.Context, userID string) events.APIGatewayProxyResponse {
	u, err := h.account.Usage(ctx, userID)
	if err != nil {
		return h.errorResponse(ctx, err)
	}
	return jsonResponse(http.StatusOK, usageResponse{
		Plan:           u.Plan,
		Label:          u.Label,
		CurrentCount:   u.CurrentCount,
		Limit:          u.Limit,
		Percentage:     u.Percentage,
		CanUpgrade:     u.CanUpgrade,
		DaysUntilReset: u.DaysUntilReset,
		PeriodStart:    u.PeriodStart,
		PeriodEnd:      u.PeriodEnd,
	})
}

func (h *Handler) export(ctx context.Context, userID string) events.APIGatewayProxyResponse {
	out, err := h.account.Export(ctx, userID)
	if err != nil {
		return h.errorResponse(ctx, err)
	}
	resp := jsonResponse(http.StatusOK, out)
	resp.Headers["Content-Disposition"] = `attachment; filename="dream-journal-export.json"`
	return resp
}

func (h *Handler) erase(ctx context.Context, userID string) events.APIGatewayProxyResponse {
	n, err := h.account.Erase(ctx, userID)
	if err != nil {
		return h.errorResponse(ctx, err)
	}
	return jsonResponse(http.StatusOK, deleteResponse{Deleted: n})
}

func (h *Handler) errorResponse(ctx context.Context, err error) events.APIGatewayProxyResponse {
	var usecaseErr *usecase.Error
	if !errors.As(err, &usecaseErr) {
		h.logger.ErrorContext(ctx, "unexpected error", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
	}

	body := errorResponse{Error: string(usecaseErr.Code), Message: usecaseErr.Reason}
	status := statusFor(usecaseErr.Code)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "request failed", "code", usecaseErr.Code, "reason", usecaseErr.Reason, "err", usecaseErr.Err)
	}

	var exceeded *quota.ExceededError
	if usecaseErr.Code == usecase.ErrorQuotaExceeded && errors.As(err, &exceeded) {
		body.Limit = exceeded.Limit
		body.WindowDays = exceeded.WindowDays
		body.ResetAt = exceeded.ResetAt().UTC().Format(time.RFC3339)
		body.UpgradeURL = h.upgradeURL
		resp := jsonResponse(status, body)
		setRateLimitHeaders(resp.Headers, exceeded.Limit, 0, exceeded.ResetAt())
		return resp
	}
	return jsonResponse(status, body)
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorQuotaExceeded, usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream, usecase.ErrorMalformedOutput:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func setRateLimitHeaders(headers map[string]string, limit, remaining int, reset time.Time) {
	headers["X-RateLimit-Limit"] = strconv.Itoa(limit)
	headers["X-RateLimit-Remaining"] = strconv.Itoa(remaining)
	headers["X-RateLimit-Reset"] = reset.UTC().Format(time.RFC3339)
}

func decodeBody(body string, v any) error {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{},
		Body:       string(body),
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// authorizedUser reads the caller from a Cognito (claims.sub) or Lambda
// (principalId) authorizer context.
func authorizedUser(authorizer map[string]interface{}) string {
	if claims, ok := authorizer["claims"].(map[string]interface{}); ok {
		if sub, ok := claims["sub"].(string); ok && strings.TrimSpace(sub) != "" {
			return strings.TrimSpace(sub)
		}
	}
	if principal, ok := authorizer["principalId"].(string); ok {
		return strings.TrimSpace(principal)
	}
	return ""
}

func pathSegments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func dreamID(req events.APIGatewayProxyRequest, segments []string) string {
	if id := strings.TrimSpace(req.PathParameters["id"]); id != "" {
		return id
	}
	return segments[1]
}
