package util

import (
	"html"
	"os"
	"strings"
)

// SanitizeInput trims and HTML-escapes free text before it is stored.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// ContainsSuspicious reports script-like fragments in user supplied text.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// NormalizePhone strips formatting characters and keeps a leading '+'. Only ASCII digits
// survive, so numbers written with other digit sets normalise to an invalid phone.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	for i, r := range phone {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PhoneDigits counts the ASCII digits in phone.
func PhoneDigits(phone string) int {
	n := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// MaskPhone keeps the last four digits, e.g. "+*******4567".
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	prefix := ""
	if strings.HasPrefix(phone, "+") {
		prefix = "+"
		phone = phone[1:]
	}
	if len(phone) <= 4 {
		return prefix + phone
	}
	return prefix + strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

// MaskEmail keeps the first character of the local part.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 1 {
		return email
	}
	return email[:1] + strings.Repeat("*", at-1) + email[at:]
}

// MaskReceiver masks an OTP receiver, which is either a phone number or an email address.
func MaskReceiver(receiver string) string {
	if strings.Contains(receiver, "@") {
		return MaskEmail(receiver)
	}
	return MaskPhone(receiver)
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
