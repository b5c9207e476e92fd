package telephony

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Twilio webhook form parsing. Twilio posts
// application/x-www-form-urlencoded by default. Adapter-only: no routing or
// lifecycle decisions are made here.

// TwilioVoiceForm captures the subset of inbound voice webhook fields the
// dispatch core cares about.
type TwilioVoiceForm struct {
	CallSid    string
	AccountSid string
	From       string
	To         string
	Direction  string
	CallStatus string
	CallerName string
}

func ParseTwilioVoice(r *http.Request) (TwilioVoiceForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioVoiceForm{}, err
	}
	return TwilioVoiceForm{
		CallSid:    r.PostFormValue("CallSid"),
		AccountSid: r.PostFormValue("AccountSid"),
		From:       normalizePhone(r.PostFormValue("From")),
		To:         normalizePhone(r.PostFormValue("To")),
		Direction:  r.PostFormValue("Direction"),
		CallStatus: r.PostFormValue("CallStatus"),
		CallerName: r.PostFormValue("CallerName"),
	}, nil
}

func (f TwilioVoiceForm) ToInboundEvent(orgID string, occurredAt time.Time) InboundCallEvent {
	return InboundCallEvent{
		OrganizationID: orgID,
		ExternalLegID:  f.CallSid,
		From:           f.From,
		To:             f.To,
		OccurredAt:     occurredAt,
	}
}

// TwilioStatusForm captures the status-callback fields.
type TwilioStatusForm struct {
	CallSid      string
	CallStatus   string
	CallDuration string
}

func ParseTwilioStatus(r *http.Request) (TwilioStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, err
	}
	return TwilioStatusForm{
		CallSid:      r.PostFormValue("CallSid"),
		CallStatus:   r.PostFormValue("CallStatus"),
		CallDuration: r.PostFormValue("CallDuration"),
	}, nil
}

func (f TwilioStatusForm) ToStatusEvent() StatusCallbackEvent {
	dur, _ := strconv.Atoi(strings.TrimSpace(f.CallDuration))
	return StatusCallbackEvent{
		ExternalLegID:   f.CallSid,
		ProviderStatus:  f.CallStatus,
		DurationSeconds: dur,
	}
}

func normalizePhone(s string) string {
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return strings.TrimSpace(s)
}
