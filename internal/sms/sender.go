// Package sms delivers verification codes by text message.
package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const mobizonEndpoint = "https://api.mobizon.kz/service/message/sendsmsmessage"

// Sender sends one text message
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// LogSender only records that a message would have been sent. The text is
// not logged because it carries the code.
type LogSender struct{}

// Send logs the masked recipient
func (LogSender) Send(_ context.Context, to, _ string) error {
	log.Printf("[sms][dry-run] message to %s suppressed", MaskPhone(to))
	return nil
}

// MobizonSender sends messages through the Mobizon HTTP API
type MobizonSender struct {
	apiKey   string
	sender   string
	endpoint string
	client   *http.Client
}

// NewMobizonSender creates a sender; sender may be empty
func NewMobizonSender(apiKey, sender string) *MobizonSender {
	return &MobizonSender{
		apiKey:   apiKey,
		sender:   sender,
		endpoint: mobizonEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type mobizonResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		MessageID string `json:"messageId"`
	} `json:"data"`
}

// Send posts the message form and checks the API result code
func (s *MobizonSender) Send(ctx context.Context, to, text string) error {
	form := url.Values{
		"apiKey":    {s.apiKey},
		"recipient": {strings.TrimPrefix(to, "+")},
		"text":      {text},
	}
	if s.sender != "" {
		form.Set("from", s.sender)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send sms request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read sms response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sms gateway returned status %d", resp.StatusCode)
	}

	var result mobizonResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parse sms response: %w", err)
	}
	if result.Code != 0 {
		return fmt.Errorf("sms gateway returned error code %d: %s", result.Code, result.Message)
	}
	return nil
}

// MaskPhone masks a phone number for logging (e.g., +49******89)
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}
