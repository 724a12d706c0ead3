package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DocumentType is the SRI document type code embedded in the access key
// and in the infoTributaria block.
type DocumentType string

const (
	TypeInvoice    DocumentType = "01"
	TypeCreditNote DocumentType = "04"
	TypeDebitNote  DocumentType = "05"
)

// String returns the two-digit SRI code.
func (t DocumentType) String() string { return string(t) }

// RootElement returns the XML root element name for this document type.
func (t DocumentType) RootElement() string {
	switch t {
	case TypeCreditNote:
		return "notaCredito"
	case TypeDebitNote:
		return "notaDebito"
	default:
		return "factura"
	}
}

// Environment selects the authority endpoint set and the ambiente digit.
type Environment int

const (
	EnvTest       Environment = 1
	EnvProduction Environment = 2
)

// Digit returns the single-character ambiente code used in the canonical XML
// and in the access key.
func (e Environment) Digit() string {
	if e == EnvProduction {
		return "2"
	}
	return "1"
}

// IdentificationType is the SRI buyer identification type code.
type IdentificationType string

const (
	IDTypeRUC           IdentificationType = "04"
	IDTypeCedula        IdentificationType = "05"
	IDTypePassport      IdentificationType = "06"
	IDTypeFinalConsumer IdentificationType = "07"
)

// TenantProfile carries the issuer-side emission configuration for one tenant.
// It is resolved by the caller's tenant directory, never stored by the engine.
type TenantProfile struct {
	TenantID             string
	RUC                  string
	BusinessName         string
	TradeName            string
	HeadOfficeAddress    string
	EstablishmentAddress string
	EstablishmentCode    string
	EmissionPoint        string
	Environment          Environment
	AccountingRequired   bool
	SpecialTaxpayer      string
}

// Customer identifies the buyer of a document.
type Customer struct {
	IdentificationType IdentificationType
	Identification     string
	Name               string
	Address            string
	Email              string
	Phone              string
}

// TaxDetail is one tax application (e.g. IVA 15%) on a line or on the totals.
type TaxDetail struct {
	Code           string // SRI tax code, "2" = IVA
	PercentageCode string // SRI rate code
	Rate           decimal.Decimal
	TaxableBase    decimal.Decimal
	Amount         decimal.Decimal
}

// LineItem is a billed line of an invoice or credit note.
type LineItem struct {
	MainCode      string
	AuxiliaryCode string
	Description   string
	Quantity      decimal.Decimal
	UnitPrice     decimal.Decimal
	Discount      decimal.Decimal
	Subtotal      decimal.Decimal
	Taxes         []TaxDetail
	// AdditionalDetails are emitted in the order given.
	AdditionalDetails []NameValue
}

// DebitReason is one motivo of a debit note.
type DebitReason struct {
	Reason string
	Value  decimal.Decimal
}

// NameValue is an ordered name/value pair for campoAdicional-style sections.
// A slice keeps ordering deterministic, which map iteration would not.
type NameValue struct {
	Name  string
	Value string
}

// ModifiedDocumentRef points a credit or debit note at the invoice it amends.
type ModifiedDocumentRef struct {
	Type      DocumentType
	Number    string // formatted 001-001-000000123
	IssueDate time.Time
	Reason    string
	Value     decimal.Decimal
}

// StructuredDocument is the validated, invoice-shaped input the engine
// receives from its collaborators. Amounts are decimals; the builder owns all
// wire formatting.
type StructuredDocument struct {
	Type          DocumentType
	SchemaVersion string
	IssueDate     time.Time

	Customer Customer

	Items        []LineItem
	DebitReasons []DebitReason // debit notes only

	SubtotalWithoutTax decimal.Decimal
	TotalDiscount      decimal.Decimal
	TotalTaxes         []TaxDetail
	TotalAmount        decimal.Decimal

	Modified *ModifiedDocumentRef // credit/debit notes only

	AdditionalFields []NameValue
}
