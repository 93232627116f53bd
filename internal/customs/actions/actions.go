// Package actions classifies the named operations the auth server reports.
// The classification decides which sliding windows an action feeds: email
// sending never contributes to pure-IP blocking, status checks only move the
// status window, and so on. Record types consult these predicates instead of
// hardcoding action names.
package actions

// Actions that, if abused, would cause an email to be sent to the target
// address.
var emailSendingActions = newSet(
	"accountCreate",
	"recoveryEmailResendCode",
	"passwordForgotSendCode",
	"passwordForgotResendCode",
	"sendUnblockCode",
)

// Actions that, if abused, would reveal whether an account exists for a
// given email address or uid.
var accountStatusActions = newSet(
	"accountCreate",
	"accountLogin",
	"accountDestroy",
	"passwordChange",
	"passwordForgotSendCode",
	"accountStatusCheck",
	"sendUnblockCode",
)

// Actions that, if abused, would allow brute-forcing an account's password.
var passwordCheckingActions = newSet(
	"accountLogin",
	"accountDestroy",
	"passwordChange",
)

// Actions that cause an SMS to be sent to a phone number.
var smsSendingActions = newSet(
	"connectDeviceSms",
)

func IsEmailSendingAction(action string) bool {
	_, ok := emailSendingActions[action]
	return ok
}

func IsAccountStatusAction(action string) bool {
	_, ok := accountStatusActions[action]
	return ok
}

func IsPasswordCheckingAction(action string) bool {
	_, ok := passwordCheckingActions[action]
	return ok
}

func IsSmsSendingAction(action string) bool {
	_, ok := smsSendingActions[action]
	return ok
}

func newSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
