package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/lead-drip/internal/drip"
	"github.com/ignite/lead-drip/internal/pkg/httpretry"
	"github.com/ignite/lead-drip/internal/pkg/logger"
	"github.com/ignite/lead-drip/internal/pkg/retry"
	"github.com/sirupsen/logrus"
)

const historyPageSize = 100

// ResendConfig configures the Resend adapter.
type ResendConfig struct {
	APIKey       string
	BaseURL      string
	AudienceName string
	Timeout      time.Duration
	HistoryPages int
	Retry        retry.Policy
}

// Resend implements drip.DeliveryProvider against the Resend REST API.
// Reads are retried. Sends are attempted once and rely on the idempotency key.
type Resend struct {
	cfg        ResendConfig
	sendClient httpretry.HTTPDoer
	readClient httpretry.HTTPDoer
	audienceID string
	log        *logrus.Entry
}

var _ drip.DeliveryProvider = (*Resend)(nil)

// NewResend creates a Resend adapter. client may be nil.
func NewResend(cfg ResendConfig, client *http.Client) *Resend {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.HistoryPages <= 0 {
		cfg.HistoryPages = 50
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Resend{
		cfg:        cfg,
		sendClient: client,
		readClient: httpretry.NewRetryClient(client, cfg.Retry),
		log:        logger.Component("resend"),
	}
}

func (r *Resend) do(ctx context.Context, client httpretry.HTTPDoer, op, method, path string,
	query url.Values, body interface{}, header http.Header, out interface{}) error {
	fullURL := r.cfg.BaseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshaling request body: %w", op, err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Op: op, Status: resp.StatusCode, Message: errorMessage(respBody), kind: classifyStatus(resp.StatusCode)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: parsing response: %w", op, err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return e.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

type resendAudience struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EnsureAudience resolves the configured audience by name, creating it when
// it does not exist.
func (r *Resend) EnsureAudience(ctx context.Context) error {
	if r.audienceID != "" {
		return nil
	}
	var list struct {
		Data []resendAudience `json:"data"`
	}
	if err := r.do(ctx, r.readClient, "list audiences", http.MethodGet, "/audiences", nil, nil, nil, &list); err != nil {
		return err
	}
	for _, a := range list.Data {
		if strings.EqualFold(strings.TrimSpace(a.Name), r.cfg.AudienceName) {
			r.audienceID = a.ID
			return nil
		}
	}

	var created resendAudience
	if err := r.do(ctx, r.sendClient, "create audience", http.MethodPost, "/audiences", nil,
		map[string]string{"name": r.cfg.AudienceName}, nil, &created); err != nil {
		return err
	}
	if created.ID == "" {
		return fmt.Errorf("create audience: %w: empty id", drip.ErrTransient)
	}
	r.audienceID = created.ID
	r.log.WithField("audience", r.cfg.AudienceName).Info("created audience")
	return nil
}

func (r *Resend) audiencePath(ctx context.Context) (string, error) {
	if err := r.EnsureAudience(ctx); err != nil {
		return "", err
	}
	return "/audiences/" + url.PathEscape(r.audienceID) + "/contacts", nil
}

type resendContact struct {
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Unsubscribed bool   `json:"unsubscribed"`
	CreatedAt    string `json:"created_at,omitempty"`
}

// ListAudience returns every audience member, unsubscribed ones included.
func (r *Resend) ListAudience(ctx context.Context) ([]drip.AudienceMember, error) {
	path, err := r.audiencePath(ctx)
	if err != nil {
		return nil, err
	}
	var list struct {
		Data []resendContact `json:"data"`
	}
	if err := r.do(ctx, r.readClient, "list audience", http.MethodGet, path, nil, nil, nil, &list); err != nil {
		return nil, err
	}

	out := make([]drip.AudienceMember, 0, len(list.Data))
	for _, c := range list.Data {
		out = append(out, drip.AudienceMember{
			Email:        drip.NormalizeEmail(c.Email),
			Name:         strings.TrimSpace(c.FirstName + " " + c.LastName),
			Unsubscribed: c.Unsubscribed,
			CreatedAt:    parseTime(c.CreatedAt),
		})
	}
	return out, nil
}

// AddToAudience adds a subscribed contact. An existing contact is left as is.
func (r *Resend) AddToAudience(ctx context.Context, email, name string) error {
	path, err := r.audiencePath(ctx)
	if err != nil {
		return err
	}
	first, last, _ := strings.Cut(strings.TrimSpace(name), " ")
	err = r.do(ctx, r.sendClient, "add contact", http.MethodPost, path, nil, resendContact{
		Email:     drip.NormalizeEmail(email),
		FirstName: first,
		LastName:  strings.TrimSpace(last),
	}, nil, nil)

	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusConflict || strings.Contains(strings.ToLower(apiErr.Message), "already exist")) {
		return nil
	}
	return err
}

type resendTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type resendEmail struct {
	From    string      `json:"from"`
	To      []string    `json:"to"`
	Subject string      `json:"subject"`
	HTML    string      `json:"html"`
	ReplyTo string      `json:"reply_to,omitempty"`
	Tags    []resendTag `json:"tags,omitempty"`
}

// Send submits one message. Resend drops a repeated idempotency key.
func (r *Resend) Send(ctx context.Context, msg drip.Message) (drip.SendResult, error) {
	payload := resendEmail{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		ReplyTo: msg.ReplyTo,
	}
	for name, value := range msg.Tags {
		payload.Tags = append(payload.Tags, resendTag{Name: name, Value: value})
	}
	sort.Slice(payload.Tags, func(i, j int) bool { return payload.Tags[i].Name < payload.Tags[j].Name })

	header := http.Header{}
	if msg.IdempotencyKey != "" {
		header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := r.do(ctx, r.sendClient, "send", http.MethodPost, "/emails", nil, payload, header, &resp); err != nil {
		return drip.SendResult{}, err
	}
	if resp.ID == "" {
		return drip.SendResult{}, fmt.Errorf("send: %w: empty message id", drip.ErrTransient)
	}
	return drip.SendResult{MessageID: resp.ID}, nil
}

type resendSentEmail struct {
	ID        string     `json:"id"`
	To        recipients `json:"to"`
	Subject   string     `json:"subject"`
	CreatedAt string     `json:"created_at"`
	LastEvent string     `json:"last_event"`
}

// GetStatus returns the latest event of a message. Resend does not report
// when the event happened.
func (r *Resend) GetStatus(ctx context.Context, messageID string) (drip.DeliveryEvent, error) {
	var e resendSentEmail
	if err := r.do(ctx, r.readClient, "get email", http.MethodGet, "/emails/"+url.PathEscape(messageID), nil, nil, nil, &e); err != nil {
		return drip.DeliveryEvent{}, err
	}
	return drip.DeliveryEvent{Event: e.LastEvent}, nil
}

// ListHistory pages through recently sent mail, newest first, up to the
// configured page count. On a mid-listing failure the pages already read are
// returned with the error.
func (r *Resend) ListHistory(ctx context.Context) ([]drip.HistoryEntry, error) {
	var out []drip.HistoryEntry
	cursor := ""
	for page := 0; page < r.cfg.HistoryPages; page++ {
		q := url.Values{"limit": {strconv.Itoa(historyPageSize)}}
		if cursor != "" {
			q.Set("after", cursor)
		}
		var list struct {
			HasMore bool              `json:"has_more"`
			Data    []resendSentEmail `json:"data"`
		}
		if err := r.do(ctx, r.readClient, "list emails", http.MethodGet, "/emails", q, nil, nil, &list); err != nil {
			return out, err
		}
		for _, e := range list.Data {
			for _, to := range e.To {
				out = append(out, drip.HistoryEntry{
					ID:        e.ID,
					To:        drip.NormalizeEmail(to),
					Subject:   e.Subject,
					CreatedAt: parseTime(e.CreatedAt),
					LastEvent: e.LastEvent,
				})
			}
		}
		if !list.HasMore || len(list.Data) == 0 {
			return out, nil
		}
		cursor = list.Data[len(list.Data)-1].ID
	}
	r.log.WithField("pages", r.cfg.HistoryPages).Warn("history truncated at page limit")
	return out, nil
}

// recipients accepts both a single address and a list.
type recipients []string

func (r *recipients) UnmarshalJSON(b []byte) error {
	var many []string
	if err := json.Unmarshal(b, &many); err == nil {
		*r = many
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*r = recipients{one}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999Z07:00",
	"2006-01-02T15:04:05.999999",
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
