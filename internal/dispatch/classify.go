package dispatch

import (
	"net/http"
	"strings"
)

// outcome is the dispatch-relevant classification of one upstream response.
type outcome int

const (
	outcomeOK outcome = iota
	// outcomeQuota: the account is out of quota for this model, swap accounts.
	outcomeQuota
	// outcomeProjectInvalid: the request's project id was rejected, re-mint.
	outcomeProjectInvalid
	// outcomeImageTooLarge: request-fatal, surface to caller.
	outcomeImageTooLarge
	// outcomeInvalidArgument: request-fatal, surface raw body.
	outcomeInvalidArgument
	// outcomeBadRequest: any other 400, account-fatal.
	outcomeBadRequest
	// outcomePermissionDenied403: sticky per account, do not disable.
	outcomePermissionDenied403
	// outcomeGeneric403: disable when all endpoints agree.
	outcomeGeneric403
	// outcomeRateLimited: 429, endpoint-then-account swap.
	outcomeRateLimited
	// outcomeUnavailable: 503, try next endpoint.
	outcomeUnavailable
	// outcomeIllegalPrompt: upstream "Internal error encountered", request-fatal.
	outcomeIllegalPrompt
	// outcomePaymentRequired: 402, account-fatal.
	outcomePaymentRequired
	// outcomeOther: anything else, surfaced as-is.
	outcomeOther
)

// classify maps an upstream status and body onto the retry matrix row.
func classify(statusCode int, body string) outcome {
	switch statusCode {
	case http.StatusOK:
		return outcomeOK
	case http.StatusBadRequest:
		switch {
		case strings.Contains(body, "RESOURCE_PROJECT_INVALID"):
			return outcomeProjectInvalid
		case strings.Contains(body, "quota") || strings.Contains(body, "RESOURCE_EXHAUSTED"):
			return outcomeQuota
		case strings.Contains(body, "image exceeds 5 MB maximum"):
			return outcomeImageTooLarge
		case strings.Contains(body, "INVALID_ARGUMENT") || strings.Contains(body, "invalid_request_error"):
			return outcomeInvalidArgument
		default:
			return outcomeBadRequest
		}
	case http.StatusPaymentRequired:
		return outcomePaymentRequired
	case http.StatusForbidden:
		if strings.Contains(body, "PERMISSION_DENIED") || strings.Contains(body, "The caller does not have permission") {
			return outcomePermissionDenied403
		}
		return outcomeGeneric403
	case http.StatusTooManyRequests:
		return outcomeRateLimited
	case http.StatusInternalServerError:
		if strings.Contains(body, "Internal error encountered") {
			return outcomeIllegalPrompt
		}
		return outcomeOther
	case http.StatusServiceUnavailable:
		return outcomeUnavailable
	default:
		if strings.Contains(body, "RESOURCE_EXHAUSTED") {
			return outcomeRateLimited
		}
		return outcomeOther
	}
}
