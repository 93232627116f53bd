package actions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		action        string
		emailSending  bool
		accountStatus bool
		passwordCheck bool
		smsSending    bool
	}{
		{"accountCreate", true, true, false, false},
		{"recoveryEmailResendCode", true, false, false, false},
		{"passwordForgotSendCode", true, true, false, false},
		{"passwordForgotResendCode", true, false, false, false},
		{"sendUnblockCode", true, true, false, false},
		{"accountLogin", false, true, true, false},
		{"accountDestroy", false, true, true, false},
		{"passwordChange", false, true, true, false},
		{"accountStatusCheck", false, true, false, false},
		{"connectDeviceSms", false, false, false, true},
		{"somethingElse", false, false, false, false},
		{"", false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			assert.Equal(t, tt.emailSending, IsEmailSendingAction(tt.action))
			assert.Equal(t, tt.accountStatus, IsAccountStatusAction(tt.action))
			assert.Equal(t, tt.passwordCheck, IsPasswordCheckingAction(tt.action))
			assert.Equal(t, tt.smsSending, IsSmsSendingAction(tt.action))
		})
	}
}
