package controller

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"inloop/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	signatureHeader = "X-Hub-Signature"
	eventHeader     = "X-GitHub-Event"
	maxPayloadBytes = 5 << 20
)

// LoadTrigger starts a loader run in the background.
type LoadTrigger interface {
	Trigger(ctx context.Context)
}

// BranchSource returns the branch whose pushes trigger a reload.
type BranchSource interface {
	Branch(ctx context.Context) string
}

// WebhookController handles push notifications from the git host.
type WebhookController struct {
	secret  []byte
	branch  BranchSource
	trigger LoadTrigger
}

func NewWebhookController(secret string, branch BranchSource, trigger LoadTrigger) *WebhookController {
	return &WebhookController{secret: []byte(secret), branch: branch, trigger: trigger}
}

type pushPayload struct {
	Ref string `json:"ref"`
}

// Handle answers in plain text: git hosts show the body in their delivery logs.
func (h *WebhookController) Handle(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.String(http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.String(http.StatusBadRequest, "unreadable body")
		return
	}
	if !h.validSignature(c.GetHeader(signatureHeader), body) {
		logger.Warn(c.Request.Context(), "webhook signature mismatch", zap.String("client_ip", c.ClientIP()))
		c.String(http.StatusBadRequest, "invalid signature")
		return
	}
	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.String(http.StatusBadRequest, "malformed payload")
		return
	}

	ctx := c.Request.Context()
	event := c.GetHeader(eventHeader)
	if event != "push" || payload.Ref != "refs/heads/"+h.branch.Branch(ctx) {
		logger.Info(ctx, "webhook ignored", zap.String("event", event), zap.String("ref", payload.Ref))
		c.String(http.StatusOK, "ignored")
		return
	}
	h.trigger.Trigger(ctx)
	logger.Info(ctx, "webhook accepted, loading tasks", zap.String("ref", payload.Ref))
	c.String(http.StatusOK, "ok")
}

func (h *WebhookController) validSignature(header string, body []byte) bool {
	if len(h.secret) == 0 {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha1="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha1.New, h.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
