package notify

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Валюты без дробной части: сумма в минимальных единицах совпадает с суммой в основных.
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// FormatAmount переводит сумму в минимальных единицах валюты в строку вида "50.00 EUR".
func FormatAmount(minor int64, currency string) string {
	code := strings.ToUpper(strings.TrimSpace(currency))

	var value string
	if _, ok := zeroDecimalCurrencies[code]; ok {
		value = decimal.NewFromInt(minor).String()
	} else {
		value = decimal.New(minor, -2).StringFixed(2)
	}

	if code == "" {
		return value
	}
	return value + " " + code
}
