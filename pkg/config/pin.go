package config

import (
	"strings"
)

// Pin is a parsed pin descriptor. Descriptors name a GPIO line on the
// host or the attached pin board, with optional prefixes for inverted
// logic and bias.
type Pin struct {
	Name   string // pin name (e.g. "GPIO16", "PA5")
	Invert bool   // inverted logic (! prefix)
	Pullup int    // bias: 1 = pull-up (^), -1 = pull-down (~), 0 = none
}

// PinOptions specifies which prefixes a pin descriptor may carry.
type PinOptions struct {
	CanInvert bool // allow ! prefix for inverted logic
	CanPullup bool // allow ^ and ~ prefixes for pull-up/pull-down
}

// ParsePin parses a pin descriptor string.
// Format: [^|~][!]pin_name
// Examples: "GPIO16", "!GPIO16", "^!GPIO16"
func ParsePin(desc string, opts PinOptions) (Pin, error) {
	d := strings.TrimSpace(desc)
	if d == "" {
		return Pin{}, NewConfigError("", "", "empty pin descriptor")
	}

	var p Pin

	// Bias prefix (^ or ~)
	if opts.CanPullup && len(d) > 0 {
		if d[0] == '^' {
			p.Pullup = 1
			d = strings.TrimSpace(d[1:])
		} else if d[0] == '~' {
			p.Pullup = -1
			d = strings.TrimSpace(d[1:])
		}
	}

	// Invert prefix (!)
	if opts.CanInvert && len(d) > 0 && d[0] == '!' {
		p.Invert = true
		d = strings.TrimSpace(d[1:])
	}

	if d == "" {
		return Pin{}, NewConfigError("", "", "empty pin name in descriptor: "+desc)
	}
	if strings.ContainsAny(d, "^~!:") {
		return Pin{}, NewConfigError("", "", "invalid characters in pin name: "+desc)
	}

	p.Name = d
	return p, nil
}

// GetPin returns a Pin option value from the section.
func (s *Section) GetPin(option string, opts PinOptions, fallback ...Pin) (Pin, error) {
	key := strings.ToLower(option)
	if v, ok := s.options[key]; ok {
		s.markAccessed(option)
		pin, err := ParsePin(v, opts)
		if err != nil {
			return Pin{}, WrapError(s.name, option, err)
		}
		return pin, nil
	}
	if len(fallback) > 0 {
		s.markAccessed(option)
		return fallback[0], nil
	}
	return Pin{}, ErrMissingOption(s.name, option)
}

// GetPinOptional returns a Pin option value, or nil if not present.
func (s *Section) GetPinOptional(option string, opts PinOptions) (*Pin, error) {
	key := strings.ToLower(option)
	if v, ok := s.options[key]; ok {
		s.markAccessed(option)
		pin, err := ParsePin(v, opts)
		if err != nil {
			return nil, WrapError(s.name, option, err)
		}
		return &pin, nil
	}
	return nil, nil
}
