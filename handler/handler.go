// Package handler exposes the chat service over API Gateway proxy events. The
// same router backs the plain net/http server through ServeHTTP.
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"echoroom-agent/internal/domain"
	"echoroom-agent/internal/governor"
	"echoroom-agent/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerAdminToken    = "X-Admin-Token"
	headerRetryAfter    = "Retry-After"

	errorNotFound         = "NOT_FOUND"
	errorMethodNotAllowed = "METHOD_NOT_ALLOWED"
	errorUnauthorized     = "UNAUTHORIZED"
)

// ChatUseCase is the service surface the router needs.
type ChatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	Roundtable(ctx context.Context, in usecase.RoundtableInput) (usecase.RoundtableOutput, error)
	Personas() []domain.Persona
	Stats() usecase.PipelineStats
	Graph() usecase.Graph
}

// GovernorControl is the operator view of the governor.
type GovernorControl interface {
	Snapshot() governor.Snapshot
	SetKillSwitch(engaged bool)
	KillSwitchEngaged() bool
}

type Handler struct {
	uc         ChatUseCase
	gov        GovernorControl
	adminToken string
	logger     *slog.Logger
	newUUID    func() string
}

type Option func(*Handler)

// WithAdminToken enables the admin routes. Without a token they answer 404.
func WithAdminToken(token string) Option {
	return func(h *Handler) {
		h.adminToken = strings.TrimSpace(token)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(uc ChatUseCase, gov GovernorControl, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if gov == nil {
		return nil, errors.New("handler: governor must not be nil")
	}
	h := &Handler{
		uc:      uc,
		gov:     gov,
		logger:  slog.Default(),
		newUUID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type chatRequest struct {
	PersonaID string `json:"personaId"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

type roundtableRequest struct {
	PersonaIDs []string `json:"personaIds"`
	Message    string   `json:"message"`
	SessionID  string   `json:"sessionId,omitempty"`
}

type killSwitchRequest struct {
	Engaged *bool `json:"engaged"`
}

type usedMeta struct {
	Facts  bool `json:"facts"`
	Quotes bool `json:"quotes"`
}

type replyMeta struct {
	Used      usedMeta `json:"used"`
	ErrorKind string   `json:"errorKind,omitempty"`
}

type chatResponse struct {
	SessionID string    `json:"sessionId"`
	Text      string    `json:"text"`
	Degraded  bool      `json:"degraded"`
	Meta      replyMeta `json:"meta"`
}

type roundtableReply struct {
	Persona  string    `json:"persona"`
	Text     string    `json:"text"`
	Degraded bool      `json:"degraded"`
	Meta     replyMeta `json:"meta"`
}

type roundtableResponse struct {
	SessionID string            `json:"sessionId"`
	Replies   []roundtableReply `json:"replies"`
}

type personaResponse struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	SpeakingStyle string   `json:"speakingStyle"`
	Topics        []string `json:"topics,omitempty"`
}

type killSwitchResponse struct {
	Engaged bool `json:"engaged"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handle routes one API Gateway proxy request. Failures are always rendered
// as responses; the returned error is reserved for the Lambda runtime.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	started := time.Now()
	correlationID := headerValue(req.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = h.newUUID()
	}
	ctx = usecase.WithCorrelationID(ctx, correlationID)

	resp := h.route(ctx, req)
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers[headerCorrelationID] = correlationID

	level := slog.LevelInfo
	if resp.StatusCode >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, "request handled",
		"method", req.HTTPMethod,
		"path", req.Path,
		"status", resp.StatusCode,
		"correlation_id", correlationID,
		"elapsed_ms", time.Since(started).Milliseconds(),
	)
	return resp, nil
}

func (h *Handler) route(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	path := strings.TrimRight(req.Path, "/")
	method := strings.ToUpper(req.HTTPMethod)

	type route struct {
		method string
		fn     func(context.Context, events.APIGatewayProxyRequest) events.APIGatewayProxyResponse
	}
	routes := map[string]route{
		"/chat":              {http.MethodPost, h.chat},
		"/roundtable":        {http.MethodPost, h.roundtable},
		"/personas":          {http.MethodGet, h.personas},
		"/health":            {http.MethodGet, h.health},
		"/diag/governor":     {http.MethodGet, h.diagGovernor},
		"/diag/pipeline":     {http.MethodGet, h.diagPipeline},
		"/diag/graph":        {http.MethodGet, h.diagGraph},
		"/admin/kill-switch": {http.MethodPost, h.killSwitch},
	}
	r, ok := routes[path]
	if !ok {
		return jsonResponse(http.StatusNotFound, errorResponse{Error: errorNotFound})
	}
	if method != r.method {
		resp := jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: errorMethodNotAllowed})
		resp.Headers["Allow"] = r.method
		return resp
	}
	return r.fn(ctx, req)
}

func (h *Handler) chat(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body chatRequest
	if err := decodeBody(req, &body); err != nil {
		return invalidBody()
	}
	out, err := h.uc.Chat(ctx, usecase.ChatInput{
		PersonaID: body.PersonaID,
		Message:   body.Message,
		SessionID: body.SessionID,
		ClientKey: clientKey(req),
	})
	if err != nil {
		return h.errorResponse(ctx, err)
	}
	return jsonResponse(http.StatusOK, chatResponse{
		SessionID: out.SessionID,
		Text:      out.Reply.Text,
		Degraded:  out.Reply.Degraded,
		Meta:      metaOf(out.Reply),
	})
}

func (h *Handler) roundtable(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body roundtableRequest
	if err := decodeBody(req, &body); err != nil {
		return invalidBody()
	}
	out, err := h.uc.Roundtable(ctx, usecase.RoundtableInput{
		PersonaIDs: body.PersonaIDs,
		Message:    body.Message,
		SessionID:  body.SessionID,
		ClientKey:  clientKey(req),
	})
	if err != nil {
		return h.errorResponse(ctx, err)
	}
	resp := roundtableResponse{SessionID: out.SessionID, Replies: make([]roundtableReply, 0, len(out.Replies))}
	for _, r := range out.Replies {
		resp.Replies = append(resp.Replies, roundtableReply{
			Persona:  r.PersonaID,
			Text:     r.Text,
			Degraded: r.Degraded,
			Meta:     metaOf(r),
		})
	}
	return jsonResponse(http.StatusOK, resp)
}

func (h *Handler) personas(context.Context, events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	personas := h.uc.Personas()
	out := make([]personaResponse, 0, len(personas))
	for _, p := range personas {
		out = append(out, personaResponse{
			ID:            p.ID,
			Name:          p.DisplayName(),
			Description:   p.Description,
			SpeakingStyle: p.SpeakingStyle,
			Topics:        p.Topics,
		})
	}
	return jsonResponse(http.StatusOK, out)
}

func (h *Handler) health(context.Context, events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusOK, healthResponse{OK: true})
}

func (h *Handler) diagGovernor(context.Context, events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusOK, h.gov.Snapshot())
}

func (h *Handler) diagPipeline(context.Context, events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusOK, h.uc.Stats())
}

func (h *Handler) diagGraph(context.Context, events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusOK, h.uc.Graph())
}

func (h *Handler) killSwitch(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	if h.adminToken == "" {
		return jsonResponse(http.StatusNotFound, errorResponse{Error: errorNotFound})
	}
	token := headerValue(req.Headers, headerAdminToken)
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
		return jsonResponse(http.StatusUnauthorized, errorResponse{Error: errorUnauthorized})
	}
	var body killSwitchRequest
	if err := decodeBody(req, &body); err != nil || body.Engaged == nil {
		return invalidBody()
	}
	h.gov.SetKillSwitch(*body.Engaged)
	h.logger.WarnContext(ctx, "kill switch changed", "engaged", *body.Engaged)
	return jsonResponse(http.StatusOK, killSwitchResponse{Engaged: h.gov.KillSwitchEngaged()})
}

func (h *Handler) errorResponse(ctx context.Context, err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		h.logger.ErrorContext(ctx, "unexpected use case error", "error", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	if ucErr.Code == usecase.ErrorInternal {
		h.logger.ErrorContext(ctx, "request failed", "reason", ucErr.Reason, "error", ucErr.Err)
	}
	resp := jsonResponse(statusFor(ucErr.Code), errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason})
	if ucErr.RetryAfter > 0 {
		resp.Headers[headerRetryAfter] = strconv.Itoa(int(math.Ceil(ucErr.RetryAfter.Seconds())))
	}
	return resp
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorSessionBusy:
		return http.StatusConflict
	case usecase.ErrorTooFrequent, usecase.ErrorWindowExceeded, usecase.ErrorBudgetExhausted:
		return http.StatusTooManyRequests
	case usecase.ErrorServiceSuspended:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func metaOf(r usecase.PipelineResult) replyMeta {
	return replyMeta{
		Used:      usedMeta{Facts: r.UsedFacts, Quotes: r.UsedQuotes},
		ErrorKind: string(r.ErrorKind),
	}
}

func decodeBody(req events.APIGatewayProxyRequest, v any) error {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return err
		}
		body = decoded
	}
	return json.Unmarshal(body, v)
}

func invalidBody() events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
}

func clientKey(req events.APIGatewayProxyRequest) string {
	return strings.TrimSpace(req.RequestContext.Identity.SourceIP)
}

// headerValue looks a header up case-insensitively.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}
