package fetch

import (
	"bytes"

	"github.com/openvault/dossier/constants"
	"github.com/openvault/dossier/internal/common"
)

var pdfMagic = []byte("%PDF-")

var htmlMarkers = [][]byte{
	[]byte("<!DOCTYPE"),
	[]byte("<!doctype"),
	[]byte("<html"),
	[]byte("<HTML"),
}

// VerifyPDF confirms the payload is structurally a PDF before the download
// is allowed to go DONE. Early naive fetches stored the gate's HTML under a
// .pdf name; that exact payload must fail here, terminally, so it is flagged
// for manual review instead of being retried.
func VerifyPDF(data []byte) error {
	if len(data) == 0 {
		return common.NewPipelineError(common.ErrIntegrity, constants.ReasonIntegrityCheck,
			"empty payload", nil)
	}
	if bytes.HasPrefix(data, pdfMagic) {
		return nil
	}
	if LooksLikeHTML(data) {
		return common.NewPipelineError(common.ErrIntegrity, constants.ReasonIntegrityCheck,
			"payload is HTML, not a PDF (gate page captured)", nil)
	}
	return common.NewPipelineError(common.ErrIntegrity, constants.ReasonIntegrityCheck,
		"payload missing PDF magic bytes", nil)
}

// LooksLikeHTML sniffs the document markers an interstitial page starts with.
func LooksLikeHTML(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	head = bytes.TrimLeft(head, " \t\r\n")
	for _, m := range htmlMarkers {
		if bytes.HasPrefix(head, m) {
			return true
		}
	}
	return false
}
