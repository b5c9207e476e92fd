package telephony

import (
	"bytes"
	"encoding/xml"
)

// Minimal TwiML builder. It intentionally avoids a provider SDK dependency;
// only the verbs needed to park a leg in a hold bridge and to end a leg are
// modeled.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlDial struct {
	XMLName    xml.Name         `xml:"Dial"`
	Conference *twimlConference `xml:"Conference,omitempty"`
}

type twimlConference struct {
	StartOnEnter bool   `xml:"startConferenceOnEnter,attr"`
	EndOnExit    bool   `xml:"endConferenceOnExit,attr"`
	Name         string `xml:",chardata"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// RenderHoldBridge produces the document that moves a leg into the hold
// conference. startConferenceOnEnter keeps the bridge (and its hold audio)
// alive while the caller waits alone.
func RenderHoldBridge(bridgeID string) (string, error) {
	return render(twimlResponse{Verbs: []any{
		twimlDial{Conference: &twimlConference{
			StartOnEnter: true,
			EndOnExit:    false,
			Name:         bridgeID,
		}},
	}})
}

// RenderResumeBridge joins the answering agent's leg into the bridge;
// endConferenceOnExit tears the bridge down when the agent leaves.
func RenderResumeBridge(bridgeID string) (string, error) {
	return render(twimlResponse{Verbs: []any{
		twimlDial{Conference: &twimlConference{
			StartOnEnter: true,
			EndOnExit:    true,
			Name:         bridgeID,
		}},
	}})
}

// RenderHangup produces the document that terminates a leg when pushed at it.
func RenderHangup() (string, error) {
	return render(twimlResponse{Verbs: []any{twimlHangup{}}})
}

func render(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
