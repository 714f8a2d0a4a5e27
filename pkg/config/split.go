package config

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// SplitQuotedFields is like strings.Fields but ignores spaces inside
// areas surrounded by the quote character. A quoted empty string is an
// empty field. Inside quotes a backslash escapes the next character.
func SplitQuotedFields(in string, quote rune) []string {
	type stateEnum int
	const (
		inSpace stateEnum = iota
		inField
		inQuote
		inQuoteEscaped
	)
	state := inSpace
	r := []string{}
	var buf bytes.Buffer

	for _, ch := range in {
		switch state {
		case inSpace:
			if ch == quote {
				state = inQuote
			} else if !unicode.IsSpace(ch) {
				buf.WriteRune(ch)
				state = inField
			}

		case inField:
			if ch == quote {
				state = inQuote
			} else if unicode.IsSpace(ch) {
				r = append(r, buf.String())
				buf.Reset()
				state = inSpace
			} else {
				buf.WriteRune(ch)
			}

		case inQuote:
			if ch == quote {
				state = inField
			} else if ch == '\\' {
				state = inQuoteEscaped
			} else {
				buf.WriteRune(ch)
			}

		case inQuoteEscaped:
			buf.WriteRune(ch)
			state = inQuote
		}
	}

	// a field, possibly an empty quoted one, was still open
	if state != inSpace {
		r = append(r, buf.String())
	}

	return r
}

// ConfigureList writes every field of conf tagged with tag, one per line,
// to w.
func ConfigureList(w io.Writer, conf interface{}, tag string) {
	v := reflect.ValueOf(conf).Elem()
	it := v.Type()
	for i := 0; i < it.NumField(); i++ {
		name := fieldName(it.Field(i), tag)
		if name == "" {
			continue
		}
		writeField(w, name, v.Field(i))
	}
}

// ConfigureListByName returns the line ConfigureList prints for the field
// of conf whose tag is cfgname, or "" if there is none.
func ConfigureListByName(conf interface{}, cfgname, tag string) string {
	if cfgname == "" {
		return ""
	}
	field, ok := ConfigureFindFieldByName(conf, cfgname, tag)
	if !ok {
		return ""
	}
	var buf bytes.Buffer
	writeField(&buf, cfgname, field)
	return buf.String()
}

// ConfigureFindFieldByName returns the field of conf whose tag is cfgname.
func ConfigureFindFieldByName(conf interface{}, cfgname, tag string) (reflect.Value, bool) {
	v := reflect.ValueOf(conf).Elem()
	it := v.Type()
	for i := 0; i < it.NumField(); i++ {
		if fieldName(it.Field(i), tag) == cfgname {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// ConfigureSetSimple parses value and stores it in the field of conf whose
// tag is cfgname. Only fields of kind bool, int, *int, string and []string
// can be set.
func ConfigureSetSimple(conf interface{}, cfgname, tag, value string) error {
	field, ok := ConfigureFindFieldByName(conf, cfgname, tag)
	if !ok || !field.CanSet() {
		return fmt.Errorf("unknown configuration key %q", cfgname)
	}
	simpleArg := func(typ reflect.Type) (reflect.Value, error) {
		switch typ.Kind() {
		case reflect.Int:
			n, err := strconv.Atoi(value)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("argument to %q must be a number", cfgname)
			}
			return reflect.ValueOf(&n).Elem(), nil
		case reflect.Bool:
			if value != "true" && value != "false" {
				return reflect.Value{}, fmt.Errorf("argument to %q must be true or false", cfgname)
			}
			b := value == "true"
			return reflect.ValueOf(&b).Elem(), nil
		case reflect.String:
			return reflect.ValueOf(&value).Elem(), nil
		}
		return reflect.Value{}, fmt.Errorf("unsupported type for configuration key %q", cfgname)
	}

	switch field.Kind() {
	case reflect.Ptr:
		if value == "nil" || value == "" {
			field.Set(reflect.Zero(field.Type()))
			return nil
		}
		v, err := simpleArg(field.Type().Elem())
		if err != nil {
			return err
		}
		p := reflect.New(field.Type().Elem())
		p.Elem().Set(v)
		field.Set(p)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported type for configuration key %q", cfgname)
		}
		field.Set(reflect.ValueOf(SplitQuotedFields(value, '"')))
	default:
		v, err := simpleArg(field.Type())
		if err != nil {
			return err
		}
		field.Set(v)
	}
	return nil
}

func fieldName(field reflect.StructField, tag string) string {
	name := field.Tag.Get(tag)
	if i := strings.Index(name, ","); i >= 0 {
		name = name[:i]
	}
	if name == "-" {
		return ""
	}
	return name
}

func writeField(w io.Writer, name string, field reflect.Value) {
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			fmt.Fprintf(w, "%s\t<not defined>\n", name)
			return
		}
		field = field.Elem()
	}
	fmt.Fprintf(w, "%s\t%v\n", name, field)
}
