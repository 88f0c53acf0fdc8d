// Package registration serves the public account endpoints: self-registration,
// invitation acceptance, token exchange and password recovery.
package registration

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/models"
)

// Registration is a self-registration request.
type Registration struct {
	Product     string
	TenantAlias string
	Email       string
	Phone       string
	Password    string
	FullName    string
}

// field returns the value of a registration field by its configured name.
func (r Registration) field(name string) string {
	switch name {
	case "product":
		return r.Product
	case "tenantAlias":
		return r.TenantAlias
	case "email":
		return r.Email
	case "phone":
		return r.Phone
	case "password":
		return r.Password
	case "fullName":
		return r.FullName
	}
	return ""
}

// Strategy holds the product-specific part of self-registration.
type Strategy interface {
	// Validate rejects registrations the product does not accept.
	Validate(r Registration, cfg *models.RegistrationConfig) error
	// Attributes returns the identity-provider attributes of the new user.
	Attributes(r Registration) map[string][]string
}

// Strategies maps product slugs to their strategy.
type Strategies map[string]Strategy

// DefaultStrategies returns the built-in product strategies.
func DefaultStrategies() Strategies {
	return Strategies{"doer-visa": RulesStrategy{}}
}

// For returns the strategy of product, or the basic strategy.
func (s Strategies) For(product string) Strategy {
	if st, ok := s[product]; ok {
		return st
	}
	return basicStrategy{}
}

type basicStrategy struct{}

func (basicStrategy) Validate(Registration, *models.RegistrationConfig) error { return nil }

func (basicStrategy) Attributes(r Registration) map[string][]string {
	return phoneAttribute(r.Phone)
}

// RulesStrategy enforces the config's required fields and validation rules.
type RulesStrategy struct{}

func (RulesStrategy) Validate(r Registration, cfg *models.RegistrationConfig) error {
	for _, name := range cfg.RequiredFields {
		if strings.TrimSpace(r.field(name)) == "" {
			return apperr.Validation("Field '%s' is required for %s", name, cfg.Product)
		}
	}

	if rule, ok := cfg.ValidationRules["phone"]; ok && rule.Pattern != "" && r.Phone != "" {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return apperr.Internal(err)
		}
		if !re.MatchString(r.Phone) {
			return apperr.Validation("Invalid phone number format")
		}
	}

	if rule, ok := cfg.ValidationRules["password"]; ok && rule.MinLength > 0 && len(r.Password) < rule.MinLength {
		return apperr.Validation("Password must be at least %d characters", rule.MinLength)
	}
	return nil
}

func (RulesStrategy) Attributes(r Registration) map[string][]string {
	return phoneAttribute(r.Phone)
}

// phoneKey is the user attribute holding the phone number.
const phoneKey = "phone"

func phoneAttribute(phone string) map[string][]string {
	if phone == "" {
		return nil
	}
	return map[string][]string{phoneKey: {phone}}
}

// checkPasswordStrength requires upper and lower case letters, a digit and a symbol.
func checkPasswordStrength(password string) error {
	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if !upper || !lower || !digit || !symbol {
		return apperr.Validation("Password must contain at least one uppercase, one lowercase, one digit, and one special character")
	}
	return nil
}
