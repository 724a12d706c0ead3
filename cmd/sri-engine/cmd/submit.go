package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/facturalink/sri-engine/internal/model"
)

var (
	submitTenant   string
	submitSequence int64
	submitWait     time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit <document.json>",
	Short: "Build, sign and submit a document",
	Long: `Submit a structured document read from a JSON file. The command
runs the pipeline synchronously up to interim acceptance and, with
--wait, keeps polling until the authority reaches a terminal decision
or the wait elapses.

The JSON file uses the same document shape as POST /api/v1/documents.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVar(&submitTenant, "tenant", "", "Tenant ID (required)")
	submitCmd.Flags().Int64Var(&submitSequence, "sequence", 0, "Document sequence number (required)")
	submitCmd.Flags().DurationVar(&submitWait, "wait", 0, "Keep polling for a terminal decision up to this long")
	submitCmd.MarkFlagRequired("tenant")   //nolint:errcheck
	submitCmd.MarkFlagRequired("sequence") //nolint:errcheck
}

// documentFile mirrors the HTTP DTO for CLI use.
type documentFile struct {
	Type          string `json:"type"`
	SchemaVersion string `json:"schema_version"`
	IssueDate     string `json:"issue_date"`

	Customer struct {
		IdentificationType string `json:"identification_type"`
		Identification     string `json:"identification"`
		Name               string `json:"name"`
		Address            string `json:"address"`
		Email              string `json:"email"`
		Phone              string `json:"phone"`
	} `json:"customer"`

	Items []struct {
		MainCode      string          `json:"main_code"`
		AuxiliaryCode string          `json:"auxiliary_code"`
		Description   string          `json:"description"`
		Quantity      decimal.Decimal `json:"quantity"`
		UnitPrice     decimal.Decimal `json:"unit_price"`
		Discount      decimal.Decimal `json:"discount"`
		Subtotal      decimal.Decimal `json:"subtotal"`
		Taxes         []taxFile       `json:"taxes"`
	} `json:"items"`

	DebitReasons []struct {
		Reason string          `json:"reason"`
		Value  decimal.Decimal `json:"value"`
	} `json:"debit_reasons"`

	SubtotalWithoutTax decimal.Decimal `json:"subtotal_without_tax"`
	TotalDiscount      decimal.Decimal `json:"total_discount"`
	TotalTaxes         []taxFile       `json:"total_taxes"`
	TotalAmount        decimal.Decimal `json:"total_amount"`

	Modified *struct {
		Type      string          `json:"type"`
		Number    string          `json:"number"`
		IssueDate string          `json:"issue_date"`
		Reason    string          `json:"reason"`
		Value     decimal.Decimal `json:"value"`
	} `json:"modified"`
}

type taxFile struct {
	Code           string          `json:"code"`
	PercentageCode string          `json:"percentage_code"`
	Rate           decimal.Decimal `json:"rate"`
	TaxableBase    decimal.Decimal `json:"taxable_base"`
	Amount         decimal.Decimal `json:"amount"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	engine, _, log, err := loadEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()
	defer log.Sync() //nolint:errcheck

	doc, err := readDocumentFile(args[0])
	if err != nil {
		return err
	}

	rec, err := engine.SubmitDocument(ctx, submitTenant, doc, submitSequence)
	if err != nil && rec == nil {
		return err
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "submission incomplete: %v\n", err)
	}

	if submitWait > 0 && !rec.State.Terminal() {
		deadline := time.Now().Add(submitWait)
		for time.Now().Before(deadline) && !rec.State.Terminal() {
			time.Sleep(2 * time.Second)
			rec, err = engine.Poll(ctx, rec.AccessKey)
			if err != nil {
				fmt.Fprintf(os.Stderr, "poll: %v\n", err)
			}
		}
	}
	return printJSON(rec)
}

func readDocumentFile(path string) (*model.StructuredDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var f documentFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	issueDate, err := time.Parse("2006-01-02", f.IssueDate)
	if err != nil {
		return nil, fmt.Errorf("issue_date must be YYYY-MM-DD: %w", err)
	}

	doc := &model.StructuredDocument{
		Type:          model.DocumentType(f.Type),
		SchemaVersion: f.SchemaVersion,
		IssueDate:     issueDate,
		Customer: model.Customer{
			IdentificationType: model.IdentificationType(f.Customer.IdentificationType),
			Identification:     f.Customer.Identification,
			Name:               f.Customer.Name,
			Address:            f.Customer.Address,
			Email:              f.Customer.Email,
			Phone:              f.Customer.Phone,
		},
		SubtotalWithoutTax: f.SubtotalWithoutTax,
		TotalDiscount:      f.TotalDiscount,
		TotalAmount:        f.TotalAmount,
	}
	for _, t := range f.TotalTaxes {
		doc.TotalTaxes = append(doc.TotalTaxes, t.toModel())
	}
	for _, it := range f.Items {
		li := model.LineItem{
			MainCode:      it.MainCode,
			AuxiliaryCode: it.AuxiliaryCode,
			Description:   it.Description,
			Quantity:      it.Quantity,
			UnitPrice:     it.UnitPrice,
			Discount:      it.Discount,
			Subtotal:      it.Subtotal,
		}
		for _, t := range it.Taxes {
			li.Taxes = append(li.Taxes, t.toModel())
		}
		doc.Items = append(doc.Items, li)
	}
	for _, r := range f.DebitReasons {
		doc.DebitReasons = append(doc.DebitReasons, model.DebitReason{Reason: r.Reason, Value: r.Value})
	}
	if f.Modified != nil {
		modDate, err := time.Parse("2006-01-02", f.Modified.IssueDate)
		if err != nil {
			return nil, fmt.Errorf("modified.issue_date must be YYYY-MM-DD: %w", err)
		}
		doc.Modified = &model.ModifiedDocumentRef{
			Type:      model.DocumentType(f.Modified.Type),
			Number:    f.Modified.Number,
			IssueDate: modDate,
			Reason:    f.Modified.Reason,
			Value:     f.Modified.Value,
		}
	}
	return doc, nil
}

func (t taxFile) toModel() model.TaxDetail {
	return model.TaxDetail{
		Code:           t.Code,
		PercentageCode: t.PercentageCode,
		Rate:           t.Rate,
		TaxableBase:    t.TaxableBase,
		Amount:         t.Amount,
	}
}
