// Package rest wraps the carrier's official API client for the call-control
// operations the relay needs: fetching call metadata, ending calls, and
// placing outbound calls.
package rest

import (
	"context"
	"fmt"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// Call is the subset of call metadata the relay cares about.
type Call struct {
	SID       string `json:"sid"`
	Status    string `json:"status"`
	From      string `json:"from"`
	To        string `json:"to"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Duration  string `json:"duration"`
	Direction string `json:"direction"`
}

// Client talks to the carrier API on behalf of one account.
type Client struct {
	rest       *twilio.RestClient
	accountSID string
}

// Option configures the underlying carrier client.
type Option func(*twilio.ClientParams)

// WithAPIClient replaces the transport the carrier SDK sends requests
// through. Used in tests.
func WithAPIClient(base twilioclient.BaseClient) Option {
	return func(p *twilio.ClientParams) { p.Client = base }
}

// New creates a Client for the given account credentials.
func New(accountSID, authToken string, opts ...Option) *Client {
	params := twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	}
	for _, opt := range opts {
		opt(&params)
	}
	rc := twilio.NewRestClientWithParams(params)
	rc.Client.SetTimeout(15 * time.Second)
	return &Client{rest: rc, accountSID: accountSID}
}

// GetCall fetches metadata for a call.
func (c *Client) GetCall(_ context.Context, callSID string) (Call, error) {
	resp, err := c.rest.Api.FetchCall(callSID, &api.FetchCallParams{})
	if err != nil {
		return Call{}, fmt.Errorf("twilio rest: get call %s: %w", callSID, err)
	}
	return fromAPI(resp), nil
}

// EndCall terminates an in-progress call by setting its status to completed.
func (c *Client) EndCall(_ context.Context, callSID string) error {
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := c.rest.Api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("twilio rest: end call %s: %w", callSID, err)
	}
	return nil
}

// CreateCall places an outbound call. The carrier fetches call instructions
// from webhookURL when the callee answers.
func (c *Client) CreateCall(_ context.Context, to, from, webhookURL string) (Call, error) {
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(webhookURL)

	resp, err := c.rest.Api.CreateCall(params)
	if err != nil {
		return Call{}, fmt.Errorf("twilio rest: create call: %w", err)
	}
	return fromAPI(resp), nil
}

// Healthy verifies the credentials by fetching the account resource.
func (c *Client) Healthy(_ context.Context) error {
	if _, err := c.rest.Api.FetchAccount(c.accountSID); err != nil {
		return fmt.Errorf("twilio rest: health check: %w", err)
	}
	return nil
}

func fromAPI(resp *api.ApiV2010Call) Call {
	return Call{
		SID:       deref(resp.Sid),
		Status:    deref(resp.Status),
		From:      deref(resp.From),
		To:        deref(resp.To),
		StartTime: deref(resp.StartTime),
		EndTime:   deref(resp.EndTime),
		Duration:  deref(resp.Duration),
		Direction: deref(resp.Direction),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
