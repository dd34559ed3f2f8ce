package services

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	textPolicy   = bluemonday.StrictPolicy()
	moneyPrinter = message.NewPrinter(language.AmericanEnglish)
)

// sanitizeText strips markup from free text supplied by customers and admins.
func sanitizeText(value string) string {
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(strings.TrimSpace(value))))
}

// FormatMoney renders cents in the currency's symbol form, e.g. $21.60.
func FormatMoney(amount int64, code string) string {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		unit = currency.USD
	}
	formatted := moneyPrinter.Sprint(currency.Symbol(unit.Amount(float64(amount) / 100)))
	return strings.Join(strings.Fields(formatted), "")
}
