package integration

import (
	"fmt"
	"regexp"
	"time"
)

// TestPassword satisfies the password policy
const TestPassword = "TestPassword123!"

// TestAccount generates unique account credentials using a timestamp
func TestAccount(suffix string) (login, email string) {
	ts := time.Now().UnixNano()
	login = fmt.Sprintf("user-%d-%s", ts, suffix)
	email = login + "@example.com"
	return
}

var emailCodePattern = regexp.MustCompile(`verification code is: (\d+)`)

// ExtractCodeFromEmail returns the one-time code in a verification email,
// or "" if the body carries none
func ExtractCodeFromEmail(body string) string {
	m := emailCodePattern.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return m[1]
}
