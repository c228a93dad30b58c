// Package validation содержит функции валидации входных данных.
package validation

import (
	"net/mail"
	"strings"
)

// NormalizeEmail приводит адрес электронной почты к виду, используемому как ключ покупателя.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsValidEmail проверяет, что строка содержит ровно один адрес без отображаемого имени.
func IsValidEmail(email string) bool {
	if email == "" {
		return false
	}

	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}

	return addr.Address == email
}
