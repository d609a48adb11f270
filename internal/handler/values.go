package handler

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// requestError reports a malformed request field.
type requestError struct {
	Field  string
	Reason string
}

func (e *requestError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func badField(field, reason string) error {
	return &requestError{Field: field, Reason: reason}
}

// decodeValues flattens a JSON object of scalars and string arrays into
// url.Values, so JSON bodies, forms and query strings share one parser.
// Null fields are omitted and an empty body yields no values.
func decodeValues(data []byte) (url.Values, error) {
	v := url.Values{}
	if strings.TrimSpace(string(data)) == "" {
		return v, nil
	}
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		name := string(key)
		if d.Next() == jx.Array {
			return d.Arr(func(d *jx.Decoder) error {
				s, err := scalar(d)
				if err != nil {
					return badField(name, err.Error())
				}
				v.Add(name, s)
				return nil
			})
		}
		if d.Next() == jx.Null {
			return d.Null()
		}
		s, err := scalar(d)
		if err != nil {
			return badField(name, err.Error())
		}
		v.Set(name, s)
		return nil
	})
	if err != nil {
		var re *requestError
		if errors.As(err, &re) {
			return nil, re
		}
		return nil, badField("body", "must be a JSON object")
	}
	return v, nil
}

func scalar(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	case jx.Bool:
		b, err := d.Bool()
		if err != nil {
			return "", err
		}
		return strconv.FormatBool(b), nil
	default:
		if err := d.Skip(); err != nil {
			return "", err
		}
		return "", errors.New("must be a string, number or boolean")
	}
}

// fieldParser reads typed fields out of url.Values and keeps the first error.
type fieldParser struct {
	values url.Values
	loc    *time.Location
	err    error
}

func (p *fieldParser) fail(field, reason string) {
	if p.err == nil {
		p.err = badField(field, reason)
	}
}

func (p *fieldParser) raw(field string) (string, bool) {
	s := strings.TrimSpace(p.values.Get(field))
	return s, s != ""
}

func (p *fieldParser) require(field string) string {
	s, ok := p.raw(field)
	if !ok {
		p.fail(field, "is required")
	}
	return s
}

func (p *fieldParser) String(field string) string {
	s, _ := p.raw(field)
	return s
}

func (p *fieldParser) OptString(field string) *string {
	s, ok := p.raw(field)
	if !ok {
		return nil
	}
	return &s
}

func (p *fieldParser) Decimal(field string) decimal.Decimal {
	s := p.require(field)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		p.fail(field, "must be a decimal number")
	}
	return d
}

// Amount reads a non-negative money value with at most two decimal places.
func (p *fieldParser) Amount(field string) decimal.Decimal {
	d := p.Decimal(field)
	switch {
	case p.err != nil:
	case d.IsNegative():
		p.fail(field, "must not be negative")
	case d.Exponent() < -2 && !d.Equal(d.Truncate(2)):
		p.fail(field, "must have at most two decimal places")
	}
	return d
}

func (p *fieldParser) OptDecimal(field string) *decimal.Decimal {
	if _, ok := p.raw(field); !ok {
		return nil
	}
	d := p.Decimal(field)
	return &d
}

func (p *fieldParser) OptInt(field string) *int {
	s, ok := p.raw(field)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		p.fail(field, "must be an integer")
		return nil
	}
	return &n
}

func (p *fieldParser) Int(field string, def int) int {
	if n := p.OptInt(field); n != nil {
		return *n
	}
	return def
}

func (p *fieldParser) OptBool(field string) *bool {
	s, ok := p.raw(field)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		p.fail(field, "must be a boolean")
		return nil
	}
	return &b
}

func (p *fieldParser) Bool(field string) bool {
	b := p.OptBool(field)
	return b != nil && *b
}

func (p *fieldParser) RequiredBool(field string) bool {
	if _, ok := p.raw(field); !ok {
		p.fail(field, "is required")
		return false
	}
	return p.Bool(field)
}

// OptTime accepts RFC 3339 timestamps. Timestamps without an offset are read in
// the configured location.
func (p *fieldParser) OptTime(field string) *time.Time {
	s, ok := p.raw(field)
	if !ok {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return &t
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", time.DateOnly} {
		if t, err := time.ParseInLocation(layout, s, p.loc); err == nil {
			return &t
		}
	}
	p.fail(field, "must be an RFC 3339 timestamp")
	return nil
}

func (p *fieldParser) Time(field string) time.Time {
	if _, ok := p.raw(field); !ok {
		p.fail(field, "is required")
		return time.Time{}
	}
	if t := p.OptTime(field); t != nil {
		return *t
	}
	return time.Time{}
}
