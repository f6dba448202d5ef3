package pii

// Type tags a kind of sensitive data.
type Type string

// Built-in types, in matching order.
const (
	Email       Type = "EMAIL"
	Phone       Type = "PHONE"
	SSN         Type = "SSN"
	IPAddress   Type = "IP_ADDRESS"
	CreditCard  Type = "CREDIT_CARD"
	BankAccount Type = "BANK_ACCOUNT"
)

// BuiltinTypes returns the built-in types in matching order.
func BuiltinTypes() []Type {
	return []Type{Email, Phone, SSN, IPAddress, CreditCard, BankAccount}
}

const octet = `(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)`

var builtinPatterns = []struct {
	typ         Type
	pattern     string
	description string
}{
	{
		typ:         Email,
		pattern:     `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`,
		description: "email address",
	},
	{
		typ:         Phone,
		pattern:     `(?:\+?\b\d{1,3}[ .-]?)?(?:\(\d{3}\)|\b\d{3})[ .-]?\d{3}[ .-]?\d{4}\b`,
		description: "phone number with optional country code",
	},
	{
		typ:         SSN,
		pattern:     `\b\d{3}-\d{2}-\d{4}\b`,
		description: "US social security number",
	},
	{
		typ:         IPAddress,
		pattern:     `\b(?:` + octet + `\.){3}` + octet + `\b`,
		description: "IPv4 address",
	},
	{
		typ:         CreditCard,
		pattern:     `\b(?:\d{4}[- ]?){3}\d{4}\b`,
		description: "16 digit card number, optionally grouped",
	},
	{
		typ:         BankAccount,
		pattern:     `\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b|\b\d{8,17}\b`,
		description: "IBAN or plain account number",
	},
}
