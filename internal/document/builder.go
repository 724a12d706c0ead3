package document

import (
	"fmt"
	"regexp"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	dec "github.com/facturalink/sri-engine/internal/decimal"
	"github.com/facturalink/sri-engine/internal/model"
)

// CanonicalDocument is the deterministic serialization of a structured
// document together with its derived access key. The bytes are immutable
// once built; the signer treats them as opaque.
type CanonicalDocument struct {
	TenantID  string
	Type      model.DocumentType
	Sequence  int64
	Number    string // estab-ptoEmi-secuencial
	AccessKey string
	XML       []byte
}

// supportedSchemas maps each document type to the schema versions this
// builder can serialize.
var supportedSchemas = map[model.DocumentType]map[string]bool{
	model.TypeInvoice:    {"1.1.0": true, "1.0.0": true},
	model.TypeCreditNote: {"1.1.0": true},
	model.TypeDebitNote:  {"1.0.0": true},
}

var (
	rucPattern   = regexp.MustCompile(`^\d{13}$`)
	estabPattern = regexp.MustCompile(`^\d{3}$`)
)

// Builder serializes structured documents into the fixed authority schema.
// Element order and numeric formatting are frozen per schema version, so
// identical input always produces byte-identical output.
type Builder struct {
	log *zap.Logger
}

// BuilderOption customizes a Builder.
type BuilderOption func(*Builder)

// WithBuilderLogger attaches a logger.
func WithBuilderLogger(log *zap.Logger) BuilderOption {
	return func(b *Builder) { b.log = log }
}

// NewBuilder creates a document builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{log: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build validates the document against the profile and serializes it. All
// field violations are collected into a single ValidationError rather than
// stopping at the first. The access key is computed from the same inputs
// that produce the bytes, so both are reproducible.
func (b *Builder) Build(profile *model.TenantProfile, doc *model.StructuredDocument, sequence int64) (*CanonicalDocument, error) {
	if doc.SchemaVersion != "" && !supportedSchemas[doc.Type][doc.SchemaVersion] {
		return nil, &model.UnsupportedSchemaError{DocumentType: doc.Type, Version: doc.SchemaVersion}
	}
	if err := validate(profile, doc, sequence); err != nil {
		return nil, err
	}

	accessKey := AccessKey(profile, doc.Type, doc.IssueDate, sequence)

	xdoc := etree.NewDocument()
	xdoc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := xdoc.CreateElement(doc.Type.RootElement())
	root.CreateAttr("id", "comprobante")
	root.CreateAttr("version", schemaVersion(doc))

	writeTaxInfo(root, profile, doc, accessKey, sequence)
	switch doc.Type {
	case model.TypeCreditNote:
		writeCreditNoteInfo(root, profile, doc)
		writeLineItems(root, doc.Items)
	case model.TypeDebitNote:
		writeDebitNoteInfo(root, profile, doc)
		writeDebitReasons(root, doc.DebitReasons)
	default:
		writeInvoiceInfo(root, profile, doc)
		writeLineItems(root, doc.Items)
	}
	writeAdditionalInfo(root, doc)

	raw, err := xdoc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", doc.Type.RootElement(), err)
	}

	number := fmt.Sprintf("%s-%s-%09d", profile.EstablishmentCode, profile.EmissionPoint, sequence)
	b.log.Debug("document built",
		zap.String("tenant_id", profile.TenantID),
		zap.String("document_type", string(doc.Type)),
		zap.String("access_key", accessKey),
		zap.String("number", number))

	return &CanonicalDocument{
		TenantID:  profile.TenantID,
		Type:      doc.Type,
		Sequence:  sequence,
		Number:    number,
		AccessKey: accessKey,
		XML:       raw,
	}, nil
}

func schemaVersion(doc *model.StructuredDocument) string {
	if doc.SchemaVersion != "" {
		return doc.SchemaVersion
	}
	if doc.Type == model.TypeDebitNote {
		return "1.0.0"
	}
	return "1.1.0"
}

func validate(profile *model.TenantProfile, doc *model.StructuredDocument, sequence int64) error {
	verr := &model.ValidationError{}

	if !rucPattern.MatchString(profile.RUC) {
		verr.Add("profile.ruc", "format", "RUC must be exactly 13 digits")
	}
	if profile.BusinessName == "" {
		verr.Add("profile.business_name", "required", "business name is required")
	}
	if profile.HeadOfficeAddress == "" {
		verr.Add("profile.head_office_address", "required", "head office address is required")
	}
	if !estabPattern.MatchString(profile.EstablishmentCode) {
		verr.Add("profile.establishment_code", "format", "establishment code must be 3 digits")
	}
	if !estabPattern.MatchString(profile.EmissionPoint) {
		verr.Add("profile.emission_point", "format", "emission point must be 3 digits")
	}
	if sequence < 1 || sequence > 999999999 {
		verr.Add("sequence", "range", "sequence must be between 1 and 999999999")
	}
	if doc.IssueDate.IsZero() {
		verr.Add("issue_date", "required", "issue date is required")
	}
	if doc.Customer.Identification == "" {
		verr.Add("customer.identification", "required", "customer identification is required")
	}
	if doc.Customer.IdentificationType == "" {
		verr.Add("customer.identification_type", "required", "customer identification type is required")
	}
	if doc.Customer.Name == "" {
		verr.Add("customer.name", "required", "customer name is required")
	}

	switch doc.Type {
	case model.TypeDebitNote:
		if len(doc.DebitReasons) == 0 {
			verr.Add("debit_reasons", "required", "a debit note needs at least one reason")
		}
		for i, r := range doc.DebitReasons {
			if r.Reason == "" {
				verr.Add(fmt.Sprintf("debit_reasons[%d].reason", i), "required", "reason text is required")
			}
			if !r.Value.IsPositive() {
				verr.Add(fmt.Sprintf("debit_reasons[%d].value", i), "range", "reason value must be positive")
			}
		}
	default:
		if len(doc.Items) == 0 {
			verr.Add("items", "required", "at least one line item is required")
		}
		for i, item := range doc.Items {
			if item.MainCode == "" {
				verr.Add(fmt.Sprintf("items[%d].main_code", i), "required", "item code is required")
			}
			if item.Description == "" {
				verr.Add(fmt.Sprintf("items[%d].description", i), "required", "item description is required")
			}
			if !item.Quantity.IsPositive() {
				verr.Add(fmt.Sprintf("items[%d].quantity", i), "range", "quantity must be positive")
			}
			if item.UnitPrice.IsNegative() {
				verr.Add(fmt.Sprintf("items[%d].unit_price", i), "range", "unit price must not be negative")
			}
		}
	}

	if doc.Type != model.TypeInvoice {
		if doc.Modified == nil {
			verr.Add("modified", "required", "credit and debit notes must reference the modified document")
		} else {
			if doc.Modified.Number == "" {
				verr.Add("modified.number", "required", "modified document number is required")
			}
			if doc.Modified.IssueDate.IsZero() {
				verr.Add("modified.issue_date", "required", "modified document issue date is required")
			}
		}
	}

	if doc.SubtotalWithoutTax.IsNegative() {
		verr.Add("subtotal_without_tax", "range", "subtotal must not be negative")
	}
	if doc.TotalAmount.IsNegative() {
		verr.Add("total_amount", "range", "total amount must not be negative")
	}

	if verr.HasViolations() {
		return verr
	}
	return nil
}

func writeTaxInfo(root *etree.Element, profile *model.TenantProfile, doc *model.StructuredDocument, accessKey string, sequence int64) {
	info := root.CreateElement("infoTributaria")
	setText(info, "ambiente", profile.Environment.Digit())
	setText(info, "tipoEmision", emissionNormal)
	setText(info, "razonSocial", profile.BusinessName)
	if profile.TradeName != "" {
		setText(info, "nombreComercial", profile.TradeName)
	}
	setText(info, "ruc", profile.RUC)
	setText(info, "claveAcceso", accessKey)
	setText(info, "codDoc", doc.Type.String())
	setText(info, "estab", profile.EstablishmentCode)
	setText(info, "ptoEmi", profile.EmissionPoint)
	setText(info, "secuencial", fmt.Sprintf("%09d", sequence))
	setText(info, "dirMatriz", profile.HeadOfficeAddress)
}

func writeInvoiceInfo(root *etree.Element, profile *model.TenantProfile, doc *model.StructuredDocument) {
	info := root.CreateElement("infoFactura")
	setText(info, "fechaEmision", doc.IssueDate.Format("02/01/2006"))
	setText(info, "dirEstablecimiento", establishmentAddress(profile))
	if profile.SpecialTaxpayer != "" {
		setText(info, "contribuyenteEspecial", profile.SpecialTaxpayer)
	}
	setText(info, "obligadoContabilidad", yesNo(profile.AccountingRequired))
	writeBuyer(info, doc.Customer)
	if doc.Customer.Address != "" {
		setText(info, "direccionComprador", doc.Customer.Address)
	}
	setText(info, "totalSinImpuestos", dec.Money(doc.SubtotalWithoutTax))
	setText(info, "totalDescuento", dec.Money(doc.TotalDiscount))
	writeTaxTotals(info.CreateElement("totalConImpuestos"), "totalImpuesto", doc.TotalTaxes)
	setText(info, "propina", "0.00")
	setText(info, "importeTotal", dec.Money(doc.TotalAmount))
	setText(info, "moneda", "DOLAR")
}

func writeCreditNoteInfo(root *etree.Element, profile *model.TenantProfile, doc *model.StructuredDocument) {
	info := root.CreateElement("infoNotaCredito")
	setText(info, "fechaEmision", doc.IssueDate.Format("02/01/2006"))
	setText(info, "dirEstablecimiento", establishmentAddress(profile))
	writeBuyer(info, doc.Customer)
	if profile.SpecialTaxpayer != "" {
		setText(info, "contribuyenteEspecial", profile.SpecialTaxpayer)
	}
	setText(info, "obligadoContabilidad", yesNo(profile.AccountingRequired))
	writeModifiedRef(info, doc.Modified)
	setText(info, "totalSinImpuestos", dec.Money(doc.SubtotalWithoutTax))
	setText(info, "valorModificacion", dec.Money(doc.TotalAmount))
	setText(info, "moneda", "DOLAR")
	writeTaxTotals(info.CreateElement("totalConImpuestos"), "totalImpuesto", doc.TotalTaxes)
	setText(info, "motivo", doc.Modified.Reason)
}

func writeDebitNoteInfo(root *etree.Element, profile *model.TenantProfile, doc *model.StructuredDocument) {
	info := root.CreateElement("infoNotaDebito")
	setText(info, "fechaEmision", doc.IssueDate.Format("02/01/2006"))
	setText(info, "dirEstablecimiento", establishmentAddress(profile))
	writeBuyer(info, doc.Customer)
	if profile.SpecialTaxpayer != "" {
		setText(info, "contribuyenteEspecial", profile.SpecialTaxpayer)
	}
	setText(info, "obligadoContabilidad", yesNo(profile.AccountingRequired))
	writeModifiedRef(info, doc.Modified)
	setText(info, "totalSinImpuestos", dec.Money(doc.SubtotalWithoutTax))
	writeTaxTotals(info.CreateElement("impuestos"), "impuesto", doc.TotalTaxes)
	setText(info, "valorTotal", dec.Money(doc.TotalAmount))
}

func writeBuyer(info *etree.Element, c model.Customer) {
	setText(info, "tipoIdentificacionComprador", string(c.IdentificationType))
	setText(info, "razonSocialComprador", c.Name)
	setText(info, "identificacionComprador", c.Identification)
}

func writeModifiedRef(info *etree.Element, ref *model.ModifiedDocumentRef) {
	setText(info, "codDocModificado", ref.Type.String())
	setText(info, "numDocModificado", ref.Number)
	setText(info, "fechaEmisionDocSustento", ref.IssueDate.Format("02/01/2006"))
}

// writeTaxTotals groups tax details by (code, percentage code) preserving
// first-seen order, then emits one child element per group.
func writeTaxTotals(parent *etree.Element, childName string, taxes []model.TaxDetail) {
	type key struct{ code, pct string }
	var order []key
	grouped := make(map[key]*model.TaxDetail)
	for _, t := range taxes {
		k := key{t.Code, t.PercentageCode}
		g, ok := grouped[k]
		if !ok {
			copied := t
			grouped[k] = &copied
			order = append(order, k)
			continue
		}
		g.TaxableBase = g.TaxableBase.Add(t.TaxableBase)
		g.Amount = g.Amount.Add(t.Amount)
	}
	for _, k := range order {
		t := grouped[k]
		e := parent.CreateElement(childName)
		setText(e, "codigo", t.Code)
		setText(e, "codigoPorcentaje", t.PercentageCode)
		if childName == "impuesto" {
			setText(e, "tarifa", dec.Rate(t.Rate))
			setText(e, "baseImponible", dec.Money(t.TaxableBase))
		} else {
			setText(e, "baseImponible", dec.Money(t.TaxableBase))
			setText(e, "tarifa", dec.Rate(t.Rate))
		}
		setText(e, "valor", dec.Money(t.Amount))
	}
}

func writeLineItems(root *etree.Element, items []model.LineItem) {
	detalles := root.CreateElement("detalles")
	for _, item := range items {
		d := detalles.CreateElement("detalle")
		setText(d, "codigoPrincipal", item.MainCode)
		if item.AuxiliaryCode != "" {
			setText(d, "codigoAuxiliar", item.AuxiliaryCode)
		}
		setText(d, "descripcion", item.Description)
		setText(d, "cantidad", dec.Quantity(item.Quantity))
		setText(d, "precioUnitario", dec.Quantity(item.UnitPrice))
		setText(d, "descuento", dec.Money(item.Discount))
		setText(d, "precioTotalSinImpuesto", dec.Money(item.Subtotal))
		if len(item.AdditionalDetails) > 0 {
			extra := d.CreateElement("detallesAdicionales")
			for _, nv := range item.AdditionalDetails {
				det := extra.CreateElement("detAdicional")
				det.CreateAttr("nombre", nv.Name)
				det.CreateAttr("valor", nv.Value)
			}
		}
		impuestos := d.CreateElement("impuestos")
		for _, t := range item.Taxes {
			e := impuestos.CreateElement("impuesto")
			setText(e, "codigo", t.Code)
			setText(e, "codigoPorcentaje", t.PercentageCode)
			setText(e, "tarifa", dec.Rate(t.Rate))
			setText(e, "baseImponible", dec.Money(t.TaxableBase))
			setText(e, "valor", dec.Money(t.Amount))
		}
	}
}

func writeDebitReasons(root *etree.Element, reasons []model.DebitReason) {
	motivos := root.CreateElement("motivos")
	for _, r := range reasons {
		m := motivos.CreateElement("motivo")
		setText(m, "razon", r.Reason)
		setText(m, "valor", dec.Money(r.Value))
	}
}

func writeAdditionalInfo(root *etree.Element, doc *model.StructuredDocument) {
	fields := make([]model.NameValue, 0, len(doc.AdditionalFields)+2)
	fields = append(fields, doc.AdditionalFields...)
	if doc.Customer.Email != "" {
		fields = append(fields, model.NameValue{Name: "EMAIL", Value: doc.Customer.Email})
	}
	if doc.Customer.Phone != "" {
		fields = append(fields, model.NameValue{Name: "TELEFONO", Value: doc.Customer.Phone})
	}
	if len(fields) == 0 {
		return
	}
	info := root.CreateElement("infoAdicional")
	for _, nv := range fields {
		campo := info.CreateElement("campoAdicional")
		campo.CreateAttr("nombre", nv.Name)
		campo.SetText(nv.Value)
	}
}

func establishmentAddress(profile *model.TenantProfile) string {
	if profile.EstablishmentAddress != "" {
		return profile.EstablishmentAddress
	}
	return profile.HeadOfficeAddress
}

func setText(parent *etree.Element, name, text string) {
	parent.CreateElement(name).SetText(text)
}

func yesNo(b bool) string {
	if b {
		return "SI"
	}
	return "NO"
}
