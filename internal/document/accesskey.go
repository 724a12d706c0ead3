// Package document builds the canonical XML serialization of structured
// documents and derives their access keys.
package document

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/facturalink/sri-engine/internal/model"
)

// Access keys are 49 digits: issue date ddmmyyyy (8), document type (2),
// RUC (13), environment (1), establishment (3), emission point (3),
// sequential (9), numeric code (8), emission type (1), mod-11 check digit (1).
const (
	accessKeyLength = 49
	emissionNormal  = "1"
)

// AccessKey computes the 49-digit access key for a document. The numeric
// code segment is derived from the document identity, so identical logical
// input always yields the same key and repeat submissions collapse onto one
// idempotency key.
func AccessKey(profile *model.TenantProfile, docType model.DocumentType, issueDate time.Time, sequence int64) string {
	partial := issueDate.Format("02012006") +
		docType.String() +
		profile.RUC +
		profile.Environment.Digit() +
		profile.EstablishmentCode +
		profile.EmissionPoint +
		fmt.Sprintf("%09d", sequence) +
		numericCode(profile.RUC, docType, issueDate, sequence) +
		emissionNormal
	return partial + mod11CheckDigit(partial)
}

// numericCode derives the 8-digit code segment from the document identity.
// The authority only requires the segment to be numeric; deriving it from
// content keeps the whole key a pure function of its input.
func numericCode(ruc string, docType model.DocumentType, issueDate time.Time, sequence int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", ruc, docType, sequence, issueDate.Format("02012006"))))
	return fmt.Sprintf("%08d", binary.BigEndian.Uint64(sum[:8])%100000000)
}

// mod11CheckDigit computes the SRI module-11 check digit: weights 7..2
// repeat from the leftmost digit, the weighted sum is reduced mod 11, and
// the two overflow cases map to 0 and 1.
func mod11CheckDigit(digits string) string {
	weights := []int{7, 6, 5, 4, 3, 2}
	sum := 0
	for i, r := range digits {
		sum += int(r-'0') * weights[i%len(weights)]
	}
	check := 11 - sum%11
	switch check {
	case 11:
		check = 0
	case 10:
		check = 1
	}
	return fmt.Sprintf("%d", check)
}

// ValidAccessKey reports whether key is 49 digits with a correct check digit.
func ValidAccessKey(key string) bool {
	if len(key) != accessKeyLength {
		return false
	}
	for _, r := range key {
		if r < '0' || r > '9' {
			return false
		}
	}
	return mod11CheckDigit(key[:accessKeyLength-1]) == key[accessKeyLength-1:]
}
