// Package goval is the client for the Goval TPA validation and emission
// API. An emission goes through three steps: quotation, manager
// validation, and payment. Manager validation may reject individual
// insured members with HTTP 417; that outcome is surfaced as an
// *ExclusionError so callers can filter and retry.
package goval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Insured is one covered member of an emission.
type Insured struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Birthdate string `json:"birthdate,omitempty"`
	Passport  string `json:"passport,omitempty"`
	Identity  string `json:"identity,omitempty"`
}

// Emission is an invoice-level unit of work: one factura covering one or
// more insured members.
type Emission struct {
	Factura   string    `json:"factura"`
	PlanID    string    `json:"plan_id,omitempty"`
	StartDate string    `json:"start_date,omitempty"`
	EndDate   string    `json:"end_date,omitempty"`
	Insured   []Insured `json:"insured"`
}

// Individual identifies a member rejected by manager validation.
type Individual struct {
	Passport string `json:"passport,omitempty"`
	Identity string `json:"identity,omitempty"`
	Name     string `json:"name,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ExclusionError is returned when manager validation rejects specific
// members (HTTP 417). Found lists the rejected individuals as reported
// by the API.
type ExclusionError struct {
	StatusCode int
	Message    string
	Found      []Individual
}

func (e *ExclusionError) Error() string {
	return fmt.Sprintf("goval validation rejected %d individual(s): %s", len(e.Found), e.Message)
}

// APIError is any other non-success response from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("goval api status %d: %s", e.StatusCode, e.Body)
}

// Config holds connection settings for the Goval API.
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// Client talks to the Goval API. Safe for concurrent use; the bearer
// token is cached and refreshed on expiry.
type Client struct {
	rc *resty.Client

	mu       sync.Mutex
	username string
	password string
	token    string
	tokenExp time.Time
}

func New(cfg Config) *Client {
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(2 * time.Second)
	if cfg.Timeout > 0 {
		rc.SetTimeout(cfg.Timeout)
	}
	return &Client{rc: rc, username: cfg.Username, password: cfg.Password}
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// ensureToken logs in if there is no token or it is about to expire.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.tokenExp) > time.Minute {
		return c.token, nil
	}
	var lr loginResponse
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(map[string]string{"username": c.username, "password": c.password}).
		SetResult(&lr).
		Post("/login")
	if err != nil {
		return "", fmt.Errorf("goval login: %w", err)
	}
	if resp.IsError() {
		return "", &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	if lr.Token == "" {
		return "", errors.New("goval login: empty token in response")
	}
	ttl := time.Duration(lr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	c.token = lr.Token
	c.tokenExp = time.Now().Add(ttl)
	return c.token, nil
}

type quoteResponse struct {
	ID         string `json:"id"`
	ManagerURI string `json:"manager_uri"`
}

// Quote creates a quotation for the emission and returns the quotation id
// plus the manager-validation URI.
func (c *Client) Quote(ctx context.Context, e Emission) (id, managerURI string, err error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return "", "", err
	}
	var qr quoteResponse
	resp, err := c.rc.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(e).
		SetResult(&qr).
		Post("/quotations")
	if err != nil {
		return "", "", fmt.Errorf("goval quote factura %s: %w", e.Factura, err)
	}
	if resp.IsError() {
		return "", "", &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	if qr.ID == "" {
		return "", "", fmt.Errorf("goval quote factura %s: empty quotation id", e.Factura)
	}
	return qr.ID, qr.ManagerURI, nil
}

type validateResponse struct {
	FinalURI string `json:"final_uri"`
	Detail   string `json:"detail"`
	// populated on 417 responses
	Found []Individual `json:"found"`
}

// Validate runs manager validation on a quotation. On HTTP 417 with
// rejected members it returns an *ExclusionError listing them.
func (c *Client) Validate(ctx context.Context, quotationID string) (finalURI string, err error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return "", err
	}
	resp, err := c.rc.R().
		SetContext(ctx).
		SetAuthToken(token).
		Post("/quotations/" + quotationID + "/manager")
	if err != nil {
		return "", fmt.Errorf("goval validate quotation %s: %w", quotationID, err)
	}
	var vr validateResponse
	// the 417 body carries the rejected members, so decode regardless of
	// status
	_ = json.Unmarshal(resp.Body(), &vr)
	if resp.StatusCode() == 417 {
		return "", &ExclusionError{StatusCode: 417, Message: vr.Detail, Found: vr.Found}
	}
	if resp.IsError() {
		return "", &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return vr.FinalURI, nil
}

type payResponse struct {
	TicketID string `json:"ticket_id"`
}

// Pay applies payment to a validated quotation and returns the policy
// ticket id.
func (c *Client) Pay(ctx context.Context, quotationID, finalURI string) (ticketID string, err error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return "", err
	}
	var pr payResponse
	req := c.rc.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&pr)
	if finalURI != "" {
		req.SetBody(map[string]string{"uri": finalURI})
	}
	resp, err := req.Post("/quotations/" + quotationID + "/pay")
	if err != nil {
		return "", fmt.Errorf("goval pay quotation %s: %w", quotationID, err)
	}
	if resp.IsError() {
		return "", &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	if pr.TicketID == "" {
		return "", fmt.Errorf("goval pay quotation %s: no ticket id in response", quotationID)
	}
	return pr.TicketID, nil
}
