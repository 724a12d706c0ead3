package server

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/facturalink/sri-engine/internal/model"
)

// SubmitRequest is the body of POST /api/v1/documents.
type SubmitRequest struct {
	TenantID string      `json:"tenant_id" binding:"required"`
	Sequence int64       `json:"sequence" binding:"required"`
	Document DocumentDTO `json:"document" binding:"required"`
}

// DocumentDTO is the wire shape of a structured document.
type DocumentDTO struct {
	Type          string `json:"type" binding:"required"`
	SchemaVersion string `json:"schema_version,omitempty"`
	IssueDate     string `json:"issue_date" binding:"required"` // 2006-01-02

	Customer CustomerDTO `json:"customer"`

	Items        []LineItemDTO    `json:"items,omitempty"`
	DebitReasons []DebitReasonDTO `json:"debit_reasons,omitempty"`

	SubtotalWithoutTax decimal.Decimal `json:"subtotal_without_tax"`
	TotalDiscount      decimal.Decimal `json:"total_discount"`
	TotalTaxes         []TaxDetailDTO  `json:"total_taxes,omitempty"`
	TotalAmount        decimal.Decimal `json:"total_amount"`

	Modified *ModifiedRefDTO `json:"modified,omitempty"`

	AdditionalFields []NameValueDTO `json:"additional_fields,omitempty"`
}

// CustomerDTO identifies the buyer.
type CustomerDTO struct {
	IdentificationType string `json:"identification_type"`
	Identification     string `json:"identification"`
	Name               string `json:"name"`
	Address            string `json:"address,omitempty"`
	Email              string `json:"email,omitempty"`
	Phone              string `json:"phone,omitempty"`
}

// LineItemDTO is one billed line.
type LineItemDTO struct {
	MainCode          string          `json:"main_code"`
	AuxiliaryCode     string          `json:"auxiliary_code,omitempty"`
	Description       string          `json:"description"`
	Quantity          decimal.Decimal `json:"quantity"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	Discount          decimal.Decimal `json:"discount"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	Taxes             []TaxDetailDTO  `json:"taxes,omitempty"`
	AdditionalDetails []NameValueDTO  `json:"additional_details,omitempty"`
}

// TaxDetailDTO is one tax application.
type TaxDetailDTO struct {
	Code           string          `json:"code"`
	PercentageCode string          `json:"percentage_code"`
	Rate           decimal.Decimal `json:"rate"`
	TaxableBase    decimal.Decimal `json:"taxable_base"`
	Amount         decimal.Decimal `json:"amount"`
}

// DebitReasonDTO is one motivo of a debit note.
type DebitReasonDTO struct {
	Reason string          `json:"reason"`
	Value  decimal.Decimal `json:"value"`
}

// ModifiedRefDTO points at the amended document.
type ModifiedRefDTO struct {
	Type      string          `json:"type"`
	Number    string          `json:"number"`
	IssueDate string          `json:"issue_date"` // 2006-01-02
	Reason    string          `json:"reason,omitempty"`
	Value     decimal.Decimal `json:"value"`
}

// NameValueDTO is an ordered name/value pair.
type NameValueDTO struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error      string         `json:"error"`
	Violations []ViolationDTO `json:"violations,omitempty"`
}

// ViolationDTO is one field violation of a ValidationError.
type ViolationDTO struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// PreloadRequest is the body of the credential preload endpoint.
type PreloadRequest struct {
	TenantIDs []string `json:"tenant_ids" binding:"required"`
}

// toModel converts the DTO into the engine's document model.
func (d *DocumentDTO) toModel() (*model.StructuredDocument, error) {
	issueDate, err := time.Parse("2006-01-02", d.IssueDate)
	if err != nil {
		return nil, fmt.Errorf("issue_date must be YYYY-MM-DD: %w", err)
	}

	doc := &model.StructuredDocument{
		Type:          model.DocumentType(d.Type),
		SchemaVersion: d.SchemaVersion,
		IssueDate:     issueDate,
		Customer: model.Customer{
			IdentificationType: model.IdentificationType(d.Customer.IdentificationType),
			Identification:     d.Customer.Identification,
			Name:               d.Customer.Name,
			Address:            d.Customer.Address,
			Email:              d.Customer.Email,
			Phone:              d.Customer.Phone,
		},
		SubtotalWithoutTax: d.SubtotalWithoutTax,
		TotalDiscount:      d.TotalDiscount,
		TotalAmount:        d.TotalAmount,
	}

	for _, t := range d.TotalTaxes {
		doc.TotalTaxes = append(doc.TotalTaxes, t.toModel())
	}
	for _, item := range d.Items {
		li := model.LineItem{
			MainCode:      item.MainCode,
			AuxiliaryCode: item.AuxiliaryCode,
			Description:   item.Description,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			Discount:      item.Discount,
			Subtotal:      item.Subtotal,
		}
		for _, t := range item.Taxes {
			li.Taxes = append(li.Taxes, t.toModel())
		}
		for _, nv := range item.AdditionalDetails {
			li.AdditionalDetails = append(li.AdditionalDetails, model.NameValue{Name: nv.Name, Value: nv.Value})
		}
		doc.Items = append(doc.Items, li)
	}
	for _, r := range d.DebitReasons {
		doc.DebitReasons = append(doc.DebitReasons, model.DebitReason{Reason: r.Reason, Value: r.Value})
	}
	for _, nv := range d.AdditionalFields {
		doc.AdditionalFields = append(doc.AdditionalFields, model.NameValue{Name: nv.Name, Value: nv.Value})
	}

	if d.Modified != nil {
		modDate, err := time.Parse("2006-01-02", d.Modified.IssueDate)
		if err != nil {
			return nil, fmt.Errorf("modified.issue_date must be YYYY-MM-DD: %w", err)
		}
		doc.Modified = &model.ModifiedDocumentRef{
			Type:      model.DocumentType(d.Modified.Type),
			Number:    d.Modified.Number,
			IssueDate: modDate,
			Reason:    d.Modified.Reason,
			Value:     d.Modified.Value,
		}
	}
	return doc, nil
}

func (t TaxDetailDTO) toModel() model.TaxDetail {
	return model.TaxDetail{
		Code:           t.Code,
		PercentageCode: t.PercentageCode,
		Rate:           t.Rate,
		TaxableBase:    t.TaxableBase,
		Amount:         t.Amount,
	}
}
