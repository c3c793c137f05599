package httpx

import (
	"errors"
	"net/http"

	"github.com/atlas-logistics/atlas-core/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
// Business rejections keep their structured context; infrastructure
// failures are reported without internal detail.
func RespondError(w http.ResponseWriter, err error) {
	var validation *shared.ValidationError
	var invariant *shared.InvariantViolation
	var conflict *shared.ConcurrencyConflict
	var unavailable *shared.StoreUnavailable

	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrInsufficientFunds):
		Problem(w, http.StatusUnprocessableEntity, "Insufficient Funds", err.Error())
	case errors.Is(err, shared.ErrDuplicateEntry):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.As(err, &validation):
		Problem(w, http.StatusBadRequest, "Validation Failed", validation.Error())
	case errors.As(err, &invariant):
		ProblemWithExtra(w, http.StatusConflict, "Invariant Violation", invariant.Detail, map[string]string{
			"rule":    invariant.Rule,
			"current": invariant.Current,
		})
	case errors.As(err, &conflict):
		Problem(w, http.StatusConflict, "Concurrency Conflict", "the operation conflicted with concurrent writes; retry")
	case errors.As(err, &unavailable):
		Problem(w, http.StatusServiceUnavailable, "Store Unavailable", "")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
