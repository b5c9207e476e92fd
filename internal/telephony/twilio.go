package telephony

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const twilioAPIBase = "https://api.twilio.com/2010-04-01"

// TwilioProvider drives live call legs through Twilio's call-update REST
// endpoint. No SDK; the surface this core needs is three POSTs.
type TwilioProvider struct {
	accountSID string
	authToken  string

	baseURL string
	client  *http.Client
}

func NewTwilioProvider(accountSID, authToken string) *TwilioProvider {
	return &TwilioProvider{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    twilioAPIBase,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) HealthCheck(ctx context.Context) error {
	// Account fetch is the cheapest authenticated endpoint.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/Accounts/%s.json", p.baseURL, p.accountSID), nil)
	if err != nil {
		return err
	}
	return p.do(req)
}

func (p *TwilioProvider) Hold(ctx context.Context, externalLegID, bridgeID string) error {
	doc, err := RenderHoldBridge(bridgeID)
	if err != nil {
		return err
	}
	return p.updateCall(ctx, externalLegID, doc)
}

func (p *TwilioProvider) Resume(ctx context.Context, externalLegID, bridgeID string) error {
	doc, err := RenderResumeBridge(bridgeID)
	if err != nil {
		return err
	}
	return p.updateCall(ctx, externalLegID, doc)
}

func (p *TwilioProvider) Hangup(ctx context.Context, externalLegID string) error {
	doc, err := RenderHangup()
	if err != nil {
		return err
	}
	return p.updateCall(ctx, externalLegID, doc)
}

// updateCall redirects a live leg by pushing new TwiML at it.
func (p *TwilioProvider) updateCall(ctx context.Context, externalLegID, twiml string) error {
	form := url.Values{"Twiml": {twiml}}
	return p.postCallUpdate(ctx, externalLegID, form)
}

func (p *TwilioProvider) postCallUpdate(ctx context.Context, externalLegID string, form url.Values) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", p.baseURL, p.accountSID, externalLegID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return p.do(req)
}

func (p *TwilioProvider) do(req *http.Request) error {
	req.SetBasicAuth(p.accountSID, p.authToken)
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: twilio returned %d: %s", ErrProvider, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
