// internal/gateway/codes.go
package gateway

// GenericFailureMessage is shown when a failure cannot be translated.
const GenericFailureMessage = "The payment could not be completed. Please try again or contact support."

const CancelledByUserMessage = "The payment was cancelled."

var codeMessages = map[int]string{
	-9:  "The payment request was invalid.",
	-10: "The merchant is not authorised to receive payments.",
	-11: "The merchant account is not active.",
	-12: "Too many attempts. Please try again shortly.",
	-15: "The payment terminal is suspended.",
	-33: "The payment amount does not match the session.",
	-50: "The paid amount does not match the requested amount.",
	-51: "The payment was not completed by the bank.",
	-53: "The payment session does not belong to this merchant.",
	-54: "The payment session is invalid or expired.",
}

// TranslateCode maps a gateway code to a message safe to show end users.
func TranslateCode(code int) string {
	if msg, ok := codeMessages[code]; ok {
		return msg
	}
	return GenericFailureMessage
}
