package errors

import "fmt"

// Orchestration failure codes.
const (
	// CodeTemplateNotFound fails one workflow, never the whole job.
	CodeTemplateNotFound Code = "TEMPLATE_NOT_FOUND"
	// CodeRenderBackend is transient; the page can be regenerated.
	CodeRenderBackend Code = "RENDER_BACKEND_ERROR"
	// CodeArtifactCollection is transient and retryable per output.
	CodeArtifactCollection Code = "ARTIFACT_COLLECTION_ERROR"
	// CodeInvalidSelection is caller input naming page, index and available count.
	CodeInvalidSelection Code = "INVALID_SELECTION"
	// CodeStoreConflict is a lost race on a conditional store write; retry it.
	CodeStoreConflict Code = "STORE_CONFLICT"
	// CodeRunSuperseded rejects a write from a run that is no longer the
	// workflow's processing run. Retrying cannot succeed.
	CodeRunSuperseded Code = "RUN_SUPERSEDED"
)

// TemplateNotFound reports a missing generation template for a page.
func TemplateNotFound(book, gender, page string) *Error {
	return New(CodeTemplateNotFound, fmt.Sprintf("no template for book %q gender %q page %q", book, gender, page)).
		WithFields(map[string]any{"book_id": book, "gender": gender, "page_key": page})
}

// RenderBackend reports a failed or malformed exchange with the render backend.
func RenderBackend(op, message string, cause error) *Error {
	if cause == nil {
		return &Error{Code: CodeRenderBackend, Op: op, Message: message, Stack: captureStack(2)}
	}
	return &Error{Code: CodeRenderBackend, Op: op, Message: message, Err: cause, Stack: captureStack(2)}
}

// ArtifactCollection reports a fetch, conversion or upload failure for one output.
func ArtifactCollection(op, message string, cause error) *Error {
	return &Error{Code: CodeArtifactCollection, Op: op, Message: message, Err: cause, Stack: captureStack(2)}
}

// InvalidSelection reports a selection index outside the page's variants.
func InvalidSelection(page, index, available int) *Error {
	return New(CodeInvalidSelection,
		fmt.Sprintf("selection for page %d is %d but only %d variants exist", page, index, available)).
		WithFields(map[string]any{"page": page, "index": index, "available": available})
}

// StoreConflict reports a concurrent update that lost a conditional write.
func StoreConflict(op, message string) *Error {
	return &Error{Code: CodeStoreConflict, Op: op, Message: message, Stack: captureStack(2)}
}

// RunSuperseded reports a write attempted by a stale or finished run.
func RunSuperseded(op string, run int64) *Error {
	return &Error{
		Code:    CodeRunSuperseded,
		Op:      op,
		Message: "run is no longer the processing run of this workflow",
		Fields:  map[string]any{"run": run},
		Stack:   captureStack(2),
	}
}

// Transient reports whether re-running the failed operation may succeed.
func Transient(err error) bool {
	switch GetCode(err) {
	case CodeRenderBackend, CodeArtifactCollection, CodeStoreConflict, CodeTimeout, CodeUnavailable:
		return err != nil
	default:
		return false
	}
}

// IsStoreConflict reports a STORE_CONFLICT error.
func IsStoreConflict(err error) bool { return IsCode(err, CodeStoreConflict) }

// IsRunSuperseded reports a RUN_SUPERSEDED error.
func IsRunSuperseded(err error) bool { return IsCode(err, CodeRunSuperseded) }

// SelectionDetails extracts page, index and available count from an
// INVALID_SELECTION error.
func SelectionDetails(err error) (page, index, available int, ok bool) {
	if !IsCode(err, CodeInvalidSelection) {
		return 0, 0, 0, false
	}
	f := GetFields(err)
	page, _ = f["page"].(int)
	index, _ = f["index"].(int)
	available, _ = f["available"].(int)
	return page, index, available, true
}
