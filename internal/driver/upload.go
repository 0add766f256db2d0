package driver

import (
	"strings"
	"time"

	"github.com/ternarybob/despacho/internal/models"
)

// Modal phrases checked after upload. Matching is case-insensitive on the
// rendered modal body.
const (
	modalTextUnknownCodes    = "we cannot find the codes"
	modalTextInconsistencies = "we detected inconsistencies"
)

const uploadProcessingWait = 15 * time.Second

// uploadOrderFile hands the generated spreadsheet to the portal's import
// widget and runs post-upload validation.
func (e *execution) uploadOrderFile(path string) (invalidCodes []string, err error) {
	e.rec.step(models.StepUpload, "Uploading order file")

	// Some portal versions mount the file input only after the import
	// button is pressed.
	if e.s.visible(selCartImportButton, 3*time.Second) {
		if err := e.s.click(selCartImportButton, 5*time.Second); err != nil {
			return nil, newCartError(models.StepUpload, e.s.screenshot(models.StepUpload), "import button failed", err)
		}
	}

	if err := e.s.setFiles(selCartFileInput, path, e.s.stepTimeout()); err != nil {
		return nil, newCartError(models.StepUpload, e.s.screenshot(models.StepUpload), "file input not available", err)
	}

	e.rec.info(models.StepUpload, "File submitted, waiting for server processing", nil)
	time.Sleep(uploadProcessingWait)

	return e.validateUpload(), nil
}

// validateUpload checks the two known warning modals with short timeouts.
// Either modal still counts as success: the file reached the server, and
// per-row acceptance is the portal's responsibility. The findings land in
// the audit log, not in a hard failure.
func (e *execution) validateUpload() []string {
	e.rec.step(models.StepValidation, "Validating upload result")

	body, err := e.s.text(selModalBody, 5*time.Second)
	if err != nil {
		e.rec.info(models.StepValidation, "No validation modal shown", nil)
		return nil
	}

	lower := strings.ToLower(body)
	var invalid []string

	switch {
	case strings.Contains(lower, modalTextUnknownCodes):
		invalid = extractInvalidCodes(body)
		e.rec.warn(models.StepValidation, "Portal rejected unknown product codes", map[string]interface{}{
			"modal_text":    body,
			"invalid_codes": invalid,
		})
	case strings.Contains(lower, modalTextInconsistencies):
		e.rec.warn(models.StepValidation, "Portal reported upload inconsistencies", map[string]interface{}{
			"modal_text": body,
		})
	default:
		e.rec.info(models.StepValidation, "Validation modal shown without known warning", map[string]interface{}{
			"modal_text": body,
		})
	}

	if err := e.s.click(selModalClose, 5*time.Second); err != nil {
		e.rec.warn(models.StepValidation, "Could not close validation modal", nil)
	}

	return invalid
}

// extractInvalidCodes pulls the code list out of the unknown-codes modal
// text. The portal renders the codes after a colon, comma separated.
func extractInvalidCodes(body string) []string {
	idx := strings.LastIndex(body, ":")
	if idx < 0 || idx == len(body)-1 {
		return nil
	}

	tail := strings.TrimSuffix(strings.TrimSpace(body[idx+1:]), ".")
	parts := strings.FieldsFunc(tail, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n'
	})

	codes := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			codes = append(codes, p)
		}
	}
	return codes
}
