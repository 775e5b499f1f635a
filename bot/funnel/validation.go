package funnel

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"FunnelBot/entity"
	"FunnelBot/internal/lib/validate"
)

// inputRule is the compiled validation of an input-capturing step.
type inputRule struct {
	input      entity.InputType
	rule       string
	pattern    *regexp.Regexp
	minLength  int
	maxLength  int
	errorText  string
	maxRetries int
	fallback   string
}

func compileInputRule(funnelID, stepID string, input entity.InputType, v *entity.Validation) (*inputRule, error) {
	r := &inputRule{input: input}
	if input == "" {
		r.input = entity.InputText
	}
	if v == nil {
		return r, nil
	}
	r.rule = strings.ToLower(v.Rule)
	r.minLength = v.MinLength
	r.maxLength = v.MaxLength
	r.errorText = v.ErrorText
	r.maxRetries = v.MaxRetries
	r.fallback = v.FallbackStepID
	if v.Pattern != "" {
		re, err := regexp.Compile(v.Pattern)
		if err != nil {
			return nil, configError(funnelID, stepID, "bad validation pattern %q: %v", v.Pattern, err)
		}
		r.pattern = re
	} else if r.rule == "regex" {
		return nil, configError(funnelID, stepID, "regex validation without pattern")
	}
	return r, nil
}

func (r *inputRule) fallbackStep() string {
	if r == nil {
		return ""
	}
	return r.fallback
}

// check returns the value to store, or a ValidationFailure.
func (r *inputRule) check(stepID string, ev *entity.InboundEvent) (any, error) {
	fail := func(reason string) error {
		return &ValidationFailure{StepID: stepID, Input: r.input, Reason: reason}
	}

	switch r.input {
	case entity.InputPhoto:
		if ev.Kind != entity.EventMedia || (ev.MediaType != "" && ev.MediaType != "photo") {
			return nil, fail("photo expected")
		}
		return ev.Payload, nil
	case entity.InputLocation:
		if ev.Kind != entity.EventLocation || ev.Location == nil {
			return nil, fail("location expected")
		}
		return map[string]any{"latitude": ev.Location.Latitude, "longitude": ev.Location.Longitude}, nil
	case entity.InputAny:
		if ev.Kind == entity.EventLocation && ev.Location != nil {
			return map[string]any{"latitude": ev.Location.Latitude, "longitude": ev.Location.Longitude}, nil
		}
	}

	text := strings.TrimSpace(ev.Payload)
	if text == "" {
		return nil, fail("empty reply")
	}

	kind := r.rule
	if kind == "" || kind == "text" {
		switch r.input {
		case entity.InputPhone, entity.InputEmail, entity.InputNumber:
			kind = string(r.input)
		}
	}

	var value any = text
	switch kind {
	case "phone":
		phone := NormalizePhone(text)
		if err := validate.Var(phone, "required,e164"); err != nil {
			return nil, fail("not a phone number")
		}
		value = phone
	case "email":
		if err := validate.Var(text, "required,email"); err != nil {
			return nil, fail("not an email")
		}
		value = strings.ToLower(text)
	case "number":
		n, err := strconv.ParseFloat(strings.ReplaceAll(text, ",", "."), 64)
		if err != nil {
			return nil, fail("not a number")
		}
		value = n
	}

	if r.pattern != nil && !r.pattern.MatchString(text) {
		return nil, fail("does not match pattern")
	}
	length := utf8.RuneCountInString(text)
	if r.minLength > 0 && length < r.minLength {
		return nil, fail(fmt.Sprintf("shorter than %d", r.minLength))
	}
	if r.maxLength > 0 && length > r.maxLength {
		return nil, fail(fmt.Sprintf("longer than %d", r.maxLength))
	}
	return value, nil
}

// NormalizePhone strips everything but digits and prepends "+".
func NormalizePhone(phone string) string {
	var sb strings.Builder
	for _, ch := range phone {
		if ch >= '0' && ch <= '9' {
			sb.WriteRune(ch)
		}
	}
	if sb.Len() == 0 {
		return ""
	}
	return "+" + sb.String()
}
