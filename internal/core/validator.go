package core

import (
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"iqracore/pkg/domain"
)

// Validator checks structural and semantic validity of a record before it is
// accepted for write. All violations are collected, not just the first, and
// each carries a machine-distinguishable reason code. The same instance
// backs every entry point so the rules cannot drift between call sites.
type Validator struct {
	validate *validator.Validate
}

// NewValidator constructs the shared entity validator.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	// Phone numbers must carry at least 7 digits; a 3-character value fails.
	if err := v.RegisterValidation("phone", validPhone); err != nil {
		panic(err)
	}
	return &Validator{validate: v}
}

func validPhone(fl validator.FieldLevel) bool {
	digits := 0
	for _, r := range fl.Field().String() {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits >= 7
}

// Validate reports every structural violation found in record. A nil/empty
// result means the record is acceptable for write.
func (v *Validator) Validate(kind EntityType, record any) []FieldViolation {
	var out []FieldViolation
	if err := v.validate.Struct(record); err != nil {
		ves, ok := err.(validator.ValidationErrors)
		if !ok {
			return []FieldViolation{{Field: string(kind), Reason: domain.ReasonPayload}}
		}
		for _, fe := range ves {
			out = append(out, FieldViolation{Field: fe.Field(), Reason: reasonForTag(fe.Tag())})
		}
	}
	out = append(out, v.semanticChecks(kind, record)...)
	return out
}

// semanticChecks covers constraints struct tags cannot express.
func (v *Validator) semanticChecks(kind EntityType, record any) []FieldViolation {
	var out []FieldViolation
	switch kind {
	case EntitySubscription:
		if sub, ok := record.(Subscription); ok {
			if !sub.StartDate.IsZero() && !sub.EndDate.IsZero() && sub.StartDate.After(sub.EndDate) {
				out = append(out, FieldViolation{Field: "end_date", Reason: domain.ReasonDateOrder})
			}
		}
	case EntityStudent:
		if st, ok := record.(Student); ok {
			if st.SubscriptionStartDate != nil && st.SubscriptionEndDate != nil &&
				st.SubscriptionStartDate.After(*st.SubscriptionEndDate) {
				out = append(out, FieldViolation{Field: "subscription_end_date", Reason: domain.ReasonDateOrder})
			}
		}
	}
	return out
}

func reasonForTag(tag string) string {
	switch tag {
	case "required":
		return domain.ReasonRequired
	case "email":
		return domain.ReasonEmail
	case "phone":
		return domain.ReasonPhone
	case "max":
		return domain.ReasonMaxLength
	case "oneof":
		return domain.ReasonInvalidEnum
	case "gte":
		return domain.ReasonNonNegative
	default:
		return tag
	}
}

// HasEnumViolation reports whether any violation is an out-of-set enum value.
func HasEnumViolation(violations []FieldViolation) (FieldViolation, bool) {
	for _, fv := range violations {
		if fv.Reason == domain.ReasonInvalidEnum {
			return fv, true
		}
	}
	return FieldViolation{}, false
}
