package server

import (
	"encoding/xml"
	"fmt"
)

// TwiML document types for answering the telephony provider's webhook.
// Only the verbs the relay uses are modelled.

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     string        `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
	Hangup  *struct{}     `xml:"Hangup,omitempty"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// connectTwiML answers a call by bridging it onto the media-stream websocket
// at wsURL. A short spoken line covers the connection delay.
func connectTwiML(say, wsURL string) ([]byte, error) {
	doc := twimlResponse{
		Say:     say,
		Connect: &twimlConnect{Stream: twimlStream{URL: wsURL}},
	}
	return marshalTwiML(doc)
}

// rejectTwiML speaks message to the caller and hangs up.
func rejectTwiML(message string) ([]byte, error) {
	doc := twimlResponse{
		Say:    message,
		Hangup: &struct{}{},
	}
	return marshalTwiML(doc)
}

func marshalTwiML(doc twimlResponse) ([]byte, error) {
	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("server: marshal twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
