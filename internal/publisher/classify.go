package publisher

import "net/http"

// Kind is the interpreted outcome of a publish attempt.
type Kind int

const (
	// KindSuccess carries the external post id.
	KindSuccess Kind = iota
	// KindRejected is permanent: content policy, malformed media. Never retried.
	KindRejected
	// KindTransient is retryable: rate limits, 5xx, timeouts.
	KindTransient
	// KindUnauthenticated routes the post to the re-auth wait path.
	KindUnauthenticated
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRejected:
		return "rejected"
	case KindTransient:
		return "transient"
	case KindUnauthenticated:
		return "unauthenticated"
	}
	return "unknown"
}

// Result is what the scheduler bases its state transition on.
type Result struct {
	Kind           Kind
	ExternalPostID string
	Reason         string
}

// httpStatusClass maps HTTP status codes the provider returns to outcomes.
// Codes absent here fall through to the range rules in classifyStatus.
var httpStatusClass = map[int]Kind{
	http.StatusUnauthorized:          KindUnauthenticated,
	http.StatusForbidden:             KindUnauthenticated,
	http.StatusBadRequest:            KindRejected,
	http.StatusRequestEntityTooLarge: KindRejected,
	http.StatusUnsupportedMediaType:  KindRejected,
	http.StatusUnprocessableEntity:   KindRejected,
	http.StatusRequestTimeout:        KindTransient,
	http.StatusTooManyRequests:       KindTransient,
}

// errorCodeClass maps provider body error codes to outcomes. It takes
// precedence over the HTTP status: the provider reports most publish errors
// inside a 200 envelope.
var errorCodeClass = map[string]Kind{
	"access_token_invalid":                               KindUnauthenticated,
	"scope_not_authorized":                               KindUnauthenticated,
	"rate_limit_exceeded":                                KindTransient,
	"spam_risk_too_many_posts":                           KindTransient,
	"reached_active_user_cap":                            KindTransient,
	"internal_error":                                     KindTransient,
	"spam_risk_user_banned_from_posting":                 KindRejected,
	"unaudited_client_can_only_post_to_private_accounts": KindRejected,
	"url_ownership_unverified":                           KindRejected,
	"privacy_level_option_mismatch":                      KindRejected,
	"invalid_params":                                     KindRejected,
	"invalid_file_format_check_failed":                   KindRejected,
	"video_pull_failed":                                  KindRejected,
}

// classify resolves a provider response into an outcome. Unmapped error codes
// and statuses classify as transient: retrying an unknown failure is safer
// than permanently failing a post that might have gone through next time.
func classify(status int, errorCode string) Kind {
	if errorCode != "" && errorCode != "ok" {
		if k, ok := errorCodeClass[errorCode]; ok {
			return k
		}
		return KindTransient
	}
	if k, ok := httpStatusClass[status]; ok {
		return k
	}
	if status >= 200 && status < 300 {
		return KindSuccess
	}
	return KindTransient
}
