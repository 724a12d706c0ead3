package sri

import (
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// Authority reception states.
const (
	StateReceived  = "RECIBIDA"
	StateReturned  = "DEVUELTA"
	StateInProcess = "EN PROCESO"

	StateAuthorized    = "AUTORIZADO"
	StateNotAuthorized = "NO AUTORIZADO"
)

// AuthorityResponse is an immutable parse of one authorization query.
// Terminal is false while the authority is still processing.
type AuthorityResponse struct {
	AccessKey           string     `json:"access_key"`
	Code                string     `json:"code"`
	Message             string     `json:"message,omitempty"`
	Terminal            bool       `json:"terminal"`
	AuthorizationNumber string     `json:"authorization_number,omitempty"`
	AuthorizedAt        *time.Time `json:"authorized_at,omitempty"`
	Messages            []Message  `json:"messages,omitempty"`
}

// soapFault is a parsed SOAP Fault body.
type soapFault struct {
	Code   string
	Reason string
}

func (f *soapFault) Error() string {
	return fmt.Sprintf("SOAP fault %s: %s", f.Code, f.Reason)
}

// parseReceptionResponse extracts the estado and any diagnostic messages
// from a validarComprobante response body. A SOAP fault is returned as an
// error; an absent estado returns an empty state.
func parseReceptionResponse(body []byte) (string, []Message, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return "", nil, fmt.Errorf("parse reception response: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return "", nil, fmt.Errorf("empty reception response")
	}
	if fault := findFault(root); fault != nil {
		return "", nil, fault
	}

	estado := ""
	if e := firstByTag(root, "estado"); e != nil {
		estado = strings.TrimSpace(e.Text())
	}
	return estado, collectMessages(root), nil
}

// parseAuthorizationResponse extracts the first autorizacion block of an
// autorizacionComprobante response. When the authority has not produced an
// authorization yet the response is non-terminal with code EN PROCESO.
func parseAuthorizationResponse(accessKey string, body []byte) (*AuthorityResponse, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("parse authorization response: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("empty authorization response")
	}
	if fault := findFault(root); fault != nil {
		return nil, fault
	}

	auth := firstByTag(root, "autorizacion")
	if auth == nil {
		return &AuthorityResponse{
			AccessKey: accessKey,
			Code:      StateInProcess,
			Message:   "no authorization issued yet",
			Terminal:  false,
		}, nil
	}

	resp := &AuthorityResponse{AccessKey: accessKey, Messages: collectMessages(auth)}
	if e := firstByTag(auth, "estado"); e != nil {
		resp.Code = strings.TrimSpace(e.Text())
	}
	if e := firstByTag(auth, "numeroAutorizacion"); e != nil {
		resp.AuthorizationNumber = strings.TrimSpace(e.Text())
	}
	if e := firstByTag(auth, "fechaAutorizacion"); e != nil {
		if t := parseAuthorizationDate(strings.TrimSpace(e.Text())); t != nil {
			resp.AuthorizedAt = t
		}
	}

	switch resp.Code {
	case StateAuthorized:
		resp.Terminal = true
		resp.Message = "document authorized: " + resp.AuthorizationNumber
	case StateNotAuthorized:
		resp.Terminal = true
		resp.Message = joinMessages(resp.Messages)
		if resp.Message == "" {
			resp.Message = "document not authorized"
		}
	default:
		resp.Terminal = false
		resp.Message = "document in process: " + resp.Code
	}
	return resp, nil
}

// authorizationDateFormats are the timestamp shapes the authority has been
// observed to emit.
var authorizationDateFormats = []string{
	"02/01/2006 15:04:05",
	"2006-01-02 15:04:05",
	"02/01/2006 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	time.RFC3339,
	"2006-01-02T15:04:05-07:00",
	"02/01/2006",
}

func parseAuthorizationDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range authorizationDateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// collectMessages gathers mensaje blocks anywhere under e. The authority
// nests a mensaje text element inside a mensaje container, so a container
// is one whose children include another mensaje element.
func collectMessages(e *etree.Element) []Message {
	var msgs []Message
	for _, container := range allByTag(e, "mensaje") {
		inner := firstChildByTag(container, "mensaje")
		if inner == nil {
			// Flat shape: the element itself carries the text.
			if text := strings.TrimSpace(container.Text()); text != "" {
				msgs = append(msgs, Message{Text: text})
			}
			continue
		}
		m := Message{Text: strings.TrimSpace(inner.Text())}
		if id := firstChildByTag(container, "identificador"); id != nil {
			m.Identifier = strings.TrimSpace(id.Text())
		}
		if info := firstChildByTag(container, "informacionAdicional"); info != nil {
			m.AdditionalInfo = strings.TrimSpace(info.Text())
		}
		if typ := firstChildByTag(container, "tipo"); typ != nil {
			m.Type = strings.TrimSpace(typ.Text())
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func findFault(root *etree.Element) *soapFault {
	fault := firstByTag(root, "Fault")
	if fault == nil {
		return nil
	}
	f := &soapFault{Code: "Unknown", Reason: "unknown error"}
	if e := firstByTag(fault, "faultcode"); e != nil {
		f.Code = strings.TrimSpace(e.Text())
	}
	if e := firstByTag(fault, "faultstring"); e != nil {
		f.Reason = strings.TrimSpace(e.Text())
	}
	return f
}

// firstByTag walks depth-first for the first element with the given local
// name, ignoring namespace prefixes.
func firstByTag(e *etree.Element, tag string) *etree.Element {
	if e.Tag == tag {
		return e
	}
	for _, child := range e.ChildElements() {
		if found := firstByTag(child, tag); found != nil {
			return found
		}
	}
	return nil
}

// allByTag collects every element with the given local name, excluding
// nested matches inside an already matched element.
func allByTag(e *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	for _, child := range e.ChildElements() {
		if child.Tag == tag {
			out = append(out, child)
			continue
		}
		out = append(out, allByTag(child, tag)...)
	}
	return out
}

func firstChildByTag(e *etree.Element, tag string) *etree.Element {
	for _, child := range e.ChildElements() {
		if child.Tag == tag {
			return child
		}
	}
	return nil
}
