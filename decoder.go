package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// DecodeErrorKind rozlišuje, proč zpráva neprošla.
type DecodeErrorKind int

const (
	// MalformedPayload: payload není JSON.
	MalformedPayload DecodeErrorKind = iota + 1
	// SchemaViolation: JSON je v pořádku, ale nemá očekávaný tvar.
	SchemaViolation
)

func (k DecodeErrorKind) String() string {
	switch k {
	case MalformedPayload:
		return "malformed_payload"
	case SchemaViolation:
		return "schema_violation"
	default:
		return "unknown"
	}
}

// DecodeError nese topic (a u schématu i pole), aby šla zpráva dohledat v logu.
type DecodeError struct {
	Kind  DecodeErrorKind
	Topic string
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("%s on topic %q: field %q: %v", e.Kind, e.Topic, e.Field, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s on topic %q: %v", e.Kind, e.Topic, e.Err)
	default:
		return fmt.Sprintf("%s on topic %q", e.Kind, e.Topic)
	}
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Názvy polí ve zprávě ze senzoru.
const (
	fieldType        = "type"
	fieldPlace       = "place"
	fieldSensorName  = "sensorName"
	fieldIsChangeEvt = "isChangeEvt"
	fieldValue       = "value"
)

// Decode převede surový payload na Event.
// Čistá funkce: žádné IO, stejný vstup dá vždy stejný výsledek.
func Decode(topic string, raw []byte) (Event, error) {
	// KROK 1: Parsing
	if !json.Valid(raw) {
		return Event{}, &DecodeError{Kind: MalformedPayload, Topic: topic, Err: errors.New("payload is not valid JSON")}
	}

	// KROK 2: Validace tvaru
	if jsonKind(raw) != '{' {
		return Event{}, &DecodeError{Kind: SchemaViolation, Topic: topic, Err: errors.New("payload is not a JSON object")}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Event{}, &DecodeError{Kind: SchemaViolation, Topic: topic, Err: err}
	}

	d := fieldDecoder{topic: topic, fields: fields}
	typ := d.str(fieldType)
	place := d.str(fieldPlace)
	sensorName := d.str(fieldSensorName)
	isChangeEvt := d.boolean(fieldIsChangeEvt)
	value := d.value(fieldValue)
	if d.err != nil {
		return Event{}, d.err
	}

	return newEvent(typ, place, sensorName, isChangeEvt, value), nil
}

// fieldDecoder si pamatuje první chybu, další pole už nečte.
type fieldDecoder struct {
	topic  string
	fields map[string]json.RawMessage
	err    *DecodeError
}

func (d *fieldDecoder) raw(name string, want string) (json.RawMessage, bool) {
	if d.err != nil {
		return nil, false
	}
	raw, ok := d.fields[name]
	if !ok {
		d.fail(name, fmt.Errorf("missing, want %s", want))
		return nil, false
	}
	return raw, true
}

func (d *fieldDecoder) fail(name string, err error) {
	d.err = &DecodeError{Kind: SchemaViolation, Topic: d.topic, Field: name, Err: err}
}

func (d *fieldDecoder) str(name string) string {
	raw, ok := d.raw(name, "string")
	if !ok {
		return ""
	}
	if jsonKind(raw) != '"' {
		d.fail(name, fmt.Errorf("want string, got %s", kindName(raw)))
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		d.fail(name, err)
	}
	return s
}

func (d *fieldDecoder) boolean(name string) bool {
	raw, ok := d.raw(name, "boolean")
	if !ok {
		return false
	}
	if jsonKind(raw) != 't' && jsonKind(raw) != 'f' {
		d.fail(name, fmt.Errorf("want boolean, got %s", kindName(raw)))
		return false
	}
	return jsonKind(raw) == 't'
}

func (d *fieldDecoder) value(name string) Value {
	raw, ok := d.raw(name, "number or boolean")
	if !ok {
		return Value{}
	}
	switch k := jsonKind(raw); {
	case k == 't' || k == 'f':
		return BoolValue(k == 't')
	case k == '-' || (k >= '0' && k <= '9'):
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			// např. 1e400 se do float64 nevejde
			d.fail(name, err)
			return Value{}
		}
		return NumberValue(f)
	default:
		d.fail(name, fmt.Errorf("want number or boolean, got %s", kindName(raw)))
		return Value{}
	}
}

// jsonKind vrací první významný znak JSON hodnoty, podle něj poznáme typ.
func jsonKind(raw []byte) byte {
	raw = bytes.TrimLeft(raw, " \t\r\n")
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}

func kindName(raw []byte) string {
	switch k := jsonKind(raw); {
	case k == '"':
		return "string"
	case k == 't' || k == 'f':
		return "boolean"
	case k == 'n':
		return "null"
	case k == '{':
		return "object"
	case k == '[':
		return "array"
	case k == '-' || (k >= '0' && k <= '9'):
		return "number"
	default:
		return "unknown"
	}
}
