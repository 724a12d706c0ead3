package sri

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/facturalink/sri-engine/internal/model"
)

// Endpoints are the authority's reception and authorization service URLs.
type Endpoints struct {
	Reception     string `yaml:"reception"`
	Authorization string `yaml:"authorization"`
}

// EndpointsFor returns the official endpoint set for an environment.
func EndpointsFor(env model.Environment) Endpoints {
	if env == model.EnvProduction {
		return Endpoints{
			Reception:     "https://cel.sri.gob.ec/comprobantes-electronicos-ws/RecepcionComprobantesOffline",
			Authorization: "https://cel.sri.gob.ec/comprobantes-electronicos-ws/AutorizacionComprobantesOffline",
		}
	}
	return Endpoints{
		Reception:     "https://celcer.sri.gob.ec/comprobantes-electronicos-ws/RecepcionComprobantesOffline",
		Authorization: "https://celcer.sri.gob.ec/comprobantes-electronicos-ws/AutorizacionComprobantesOffline",
	}
}

// receptionEnvelope wraps a signed document for validarComprobante. The xml
// element carries no namespace; the document itself travels base64-encoded
// with its XML declaration stripped.
func receptionEnvelope(signedXML []byte) []byte {
	payload := base64.StdEncoding.EncodeToString(stripXMLDeclaration(signedXML))
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:ser="http://ec.gob.sri.ws.recepcion">
    <soap:Body>
        <ser:validarComprobante>
            <xml>%s</xml>
        </ser:validarComprobante>
    </soap:Body>
</soap:Envelope>`, payload))
}

// authorizationEnvelope wraps an access key for autorizacionComprobante.
// claveAccesoComprobante must carry xmlns="" or the authority's unmarshaller
// rejects the request.
func authorizationEnvelope(accessKey string) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
    <soap:Body>
        <autorizacionComprobante xmlns="http://ec.gob.sri.ws.autorizacion">
            <claveAccesoComprobante xmlns="">%s</claveAccesoComprobante>
        </autorizacionComprobante>
    </soap:Body>
</soap:Envelope>`, accessKey))
}

func stripXMLDeclaration(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if bytes.HasPrefix(trimmed, []byte("<?xml")) {
		if end := bytes.Index(trimmed, []byte("?>")); end >= 0 {
			return bytes.TrimSpace(trimmed[end+2:])
		}
	}
	return trimmed
}
