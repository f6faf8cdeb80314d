package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quizwire/trivia-gateway/internal/gateway"
)

// sentMessage is everything the simulator remembers about an accepted send,
// enough to fabricate the reply webhook later.
type sentMessage struct {
	TextID      string    `json:"textId"`
	Phone       string    `json:"phone"`
	Message     string    `json:"message"`
	Key         string    `json:"-"`
	WebhookURL  string    `json:"webhookUrl,omitempty"`
	WebhookData string    `json:"webhookData,omitempty"`
	SentAt      time.Time `json:"sentAt"`
}

type sendResponse struct {
	Success        bool   `json:"success"`
	TextID         string `json:"textId,omitempty"`
	QuotaRemaining int    `json:"quotaRemaining"`
	Error          string `json:"error,omitempty"`
}

type replyRequest struct {
	TextID string `json:"textId" binding:"required"`
	Text   string `json:"text" binding:"required"`
	From   string `json:"fromNumber"`
}

// MockGateway simulates the upstream SMS provider: it accepts sends,
// and on request posts a signed reply back to the recorded webhook URL.
type MockGateway struct {
	mu           sync.Mutex
	sent         map[string]*sentMessage
	deliveryRate float64
	quota        int
	rng          *rand.Rand
	httpClient   *http.Client
}

func NewMockGateway(deliveryRate float64, quota int) *MockGateway {
	return &MockGateway{
		sent:         make(map[string]*sentMessage),
		deliveryRate: deliveryRate,
		quota:        quota,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (m *MockGateway) accept(phone, message, key, webhookURL, webhookData string) *sendResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.quota <= 0 {
		return &sendResponse{Success: false, Error: "Out of quota"}
	}
	if m.rng.Float64() >= m.deliveryRate {
		return &sendResponse{Success: false, QuotaRemaining: m.quota, Error: "Failed to deliver SMS"}
	}

	m.quota--
	msg := &sentMessage{
		TextID:      uuid.New().String()[:13],
		Phone:       phone,
		Message:     message,
		Key:         key,
		WebhookURL:  webhookURL,
		WebhookData: webhookData,
		SentAt:      time.Now(),
	}
	m.sent[msg.TextID] = msg

	log.Info().
		Str("text_id", msg.TextID).
		Str("phone", phone).
		Msg("SMS accepted for delivery")

	return &sendResponse{Success: true, TextID: msg.TextID, QuotaRemaining: m.quota}
}

func (m *MockGateway) lookup(textID string) *sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[textID]
}

// postReply delivers a signed inbound-reply webhook for a previously
// accepted send, the way the real provider would.
func (m *MockGateway) postReply(msg *sentMessage, from, text string) (int, error) {
	if msg.WebhookURL == "" {
		return 0, fmt.Errorf("send %s registered no reply webhook", msg.TextID)
	}
	if from == "" {
		from = msg.Phone
	}

	payload, err := json.Marshal(map[string]string{
		"textId":     msg.TextID,
		"fromNumber": from,
		"text":       text,
		"data":       msg.WebhookData,
	})
	if err != nil {
		return 0, err
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := gateway.Sign(msg.Key, timestamp, payload)

	req, err := http.NewRequest(http.MethodPost, msg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-textbelt-timestamp", timestamp)
	req.Header.Set("X-textbelt-signature", signature)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

type Handler struct {
	gw *MockGateway
}

func NewHandler(gw *MockGateway) *Handler {
	return &Handler{gw: gw}
}

// SendText handles the provider's form-encoded send endpoint.
func (h *Handler) SendText(c *gin.Context) {
	phone := c.PostForm("phone")
	message := c.PostForm("message")
	key := c.PostForm("key")

	if phone == "" || message == "" || key == "" {
		c.JSON(http.StatusOK, sendResponse{Success: false, Error: "Missing phone, message, or key"})
		return
	}

	resp := h.gw.accept(phone, message, key, c.PostForm("replyWebhookUrl"), c.PostForm("webhookData"))
	c.JSON(http.StatusOK, resp)
}

// SimulateReply fabricates an inbound reply for an earlier send and posts
// it, signed, to the webhook URL that send registered.
func (h *Handler) SimulateReply(c *gin.Context) {
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	msg := h.gw.lookup(req.TextID)
	if msg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown textId"})
		return
	}

	status, err := h.gw.postReply(msg, req.From, req.Text)
	if err != nil {
		log.Warn().Str("text_id", req.TextID).Err(err).Msg("Reply delivery failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	log.Info().
		Str("text_id", req.TextID).
		Int("webhook_status", status).
		Msg("Reply delivered to webhook")

	c.JSON(http.StatusOK, gin.H{"delivered": true, "webhookStatus": status})
}

// GetSent lists every accepted send, newest last.
func (h *Handler) GetSent(c *gin.Context) {
	h.gw.mu.Lock()
	defer h.gw.mu.Unlock()

	items := make([]*sentMessage, 0, len(h.gw.sent))
	for _, m := range h.gw.sent {
		items = append(items, m)
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"quota":         h.gw.quota,
		"delivery_rate": h.gw.deliveryRate,
		"timestamp":     time.Now(),
	})
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request processed")
	})

	router.POST("/text", handler.SendText)
	router.POST("/simulate/reply", handler.SimulateReply)
	router.GET("/sent", handler.GetSent)
	router.GET("/health", handler.HealthCheck)

	return router
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8091")
	deliveryRate := getEnvFloat("DELIVERY_RATE", 1)
	quota := getEnvInt("QUOTA", 1000)

	log.Info().
		Str("port", port).
		Float64("delivery_rate", deliveryRate).
		Int("quota", quota).
		Msg("Starting mock SMS gateway")

	gw := NewMockGateway(deliveryRate, quota)
	handler := NewHandler(gw)
	router := SetupRouter(handler)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
