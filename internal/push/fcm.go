package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const legacyFCMEndpoint = "https://fcm.googleapis.com/fcm/send"

// FCMHTTPSender sends multicast pushes via the legacy FCM HTTP API,
// authenticated with a server key. The HTTP v1 API would require a
// full OAuth2 service-account flow; the legacy endpoint covers the
// same multicast semantics with a single header.
type FCMHTTPSender struct {
	ServerKey  string
	Endpoint   string
	HTTPClient *http.Client
}

func NewFCMHTTPSender(serverKey string) *FCMHTTPSender {
	return &FCMHTTPSender{
		ServerKey:  serverKey,
		Endpoint:   legacyFCMEndpoint,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type fcmRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	Notification    fcmNotification   `json:"notification"`
	Data            map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmResponse struct {
	Success int             `json:"success"`
	Failure int             `json:"failure"`
	Results []fcmResultItem `json:"results"`
}

type fcmResultItem struct {
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SendMulticast issues one legacy FCM batch request for up to
// DefaultMulticastBatch tokens and maps each result back to its token.
func (s *FCMHTTPSender) SendMulticast(ctx context.Context, tokens []string, title, body string, data map[string]string) ([]SendResult, error) {
	if len(tokens) == 0 {
		return nil, ErrNoTokens
	}

	payload, err := json.Marshal(fcmRequest{
		RegistrationIDs: tokens,
		Notification:    fcmNotification{Title: title, Body: body},
		Data:            data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal fcm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build fcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+s.ServerKey)

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return allFailed(tokens, err), nil
	}
	defer resp.Body.Close()

	body2, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return allFailed(tokens, fmt.Errorf("fcm status %d: %s", resp.StatusCode, string(body2))), nil
	}

	var parsed fcmResponse
	if err := json.Unmarshal(body2, &parsed); err != nil {
		return allFailed(tokens, fmt.Errorf("decode fcm response: %w", err)), nil
	}

	results := make([]SendResult, len(tokens))
	for i, tok := range tokens {
		results[i] = SendResult{Token: tok}
		if i >= len(parsed.Results) {
			continue
		}
		item := parsed.Results[i]
		if item.Error != "" {
			results[i].Err = fmt.Errorf("fcm error: %s", item.Error)
			results[i].InvalidToken = IsInvalidTokenCode(fcmErrorCode(item.Error))
		}
	}
	return results, nil
}

// fcmErrorCode normalizes the legacy API's CamelCase error strings
// (e.g. "NotRegistered") to the kebab-case codes IsInvalidTokenCode
// matches on, which follow the v1 API's error reason field.
func fcmErrorCode(legacyError string) string {
	switch legacyError {
	case "NotRegistered":
		return "registration-token-not-registered"
	case "InvalidRegistration":
		return "invalid-registration-token"
	case "MissingRegistration":
		return "invalid-argument"
	default:
		return legacyError
	}
}

func allFailed(tokens []string, err error) []SendResult {
	out := make([]SendResult, len(tokens))
	for i, tok := range tokens {
		out[i] = SendResult{Token: tok, Err: err}
	}
	return out
}
