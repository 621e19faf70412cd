package constants

import "strings"

// FailureReason is the stable string recorded on a stage's error_reason when
// it transitions to FAILED, or as a soft flag when processing degraded.
type FailureReason string

const (
	ReasonNetworkExhausted    FailureReason = "network_exhausted"
	ReasonGateBypassExhausted FailureReason = "gate_bypass_exhausted"
	ReasonIntegrityCheck      FailureReason = "integrity_check_failed"
	ReasonUnparseableSource   FailureReason = "unparseable_source"

	// ReasonOCRSkipped is a soft flag, not a failure: extraction completed
	// without OCR because the capability was unavailable.
	ReasonOCRSkipped FailureReason = "ocr_skipped"
)

// PDFExtension is the only payload format the source publishes.
const PDFExtension = "pdf"

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// EntityTypes is the closed set of entity labels the normalizer keeps.
// Anything else a tagger emits is dropped.
var EntityTypes = map[string]struct{}{
	"PERSON": {},
	"ORG":    {},
	"GPE":    {},
	"LOC":    {},
	"DATE":   {},
}
