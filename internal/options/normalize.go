// Package options turns the stored option payload of a question into a
// canonical ordered list. Stored payloads come in several historical shapes:
//
//	["Paris", "Rome"]                                   bare scalars
//	[{"key":"A","value":"Paris","correct":true}, ...]   option records
//	{"options":[...]}                                   wrapped list
//	{"A":"Paris","B":{"text":"Rome","correct":true}}    key -> value map
//
// and any of them may arrive JSON-encoded once or twice. Normalize never
// fails; a payload it cannot read yields an empty list.
package options

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// MinOptions is the smallest option count a choice question can be answered with.
const MinOptions = 2

// maxDecodePasses bounds string unwrapping of double-encoded payloads.
const maxDecodePasses = 2

type Option struct {
	Key       string `json:"key"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
}

// wrapperFields are checked in order when the payload is a record.
var wrapperFields = []string{"options", "choices", "items", "data", "opsi", "pilihan", "jawaban", "answers"}

var (
	keyFields     = []string{"key", "code"}
	textFields    = []string{"value", "text", "label"}
	correctFields = []string{"correct", "isCorrect", "is_correct"}
)

// Normalize returns the canonical options for payload, or an empty list.
func Normalize(payload any) (out []Option) {
	defer func() {
		if r := recover(); r != nil {
			out = []Option{}
		}
	}()

	v, ok := decode(payload)
	if !ok {
		return []Option{}
	}
	switch t := v.(type) {
	case []any:
		return fromList(t)
	case map[string]any:
		return fromRecord(t)
	default:
		return []Option{}
	}
}

// Inspection is what a question view needs to render options or a warning.
type Inspection struct {
	Options []Option `json:"options"`
	Warning bool     `json:"warning"`
	Raw     string   `json:"raw,omitempty"`
}

// Inspect normalizes payload and flags payloads with fewer than MinOptions
// options. Raw keeps the stored payload for diagnosis.
func Inspect(payload any) Inspection {
	opts := Normalize(payload)
	return Inspection{
		Options: opts,
		Warning: len(opts) < MinOptions,
		Raw:     rawText(payload),
	}
}

// CorrectKeys lists the keys flagged correct, in option order.
func CorrectKeys(opts []Option) []string {
	var keys []string
	for _, o := range opts {
		if o.IsCorrect {
			keys = append(keys, o.Key)
		}
	}
	return keys
}

func decode(payload any) (any, bool) {
	v := payload
	switch t := v.(type) {
	case nil:
		return nil, false
	case json.RawMessage:
		v = string(t)
	case []byte:
		v = string(t)
	case string, []any, map[string]any:
	default:
		// typed Go values ([]string, map[string]string, structs) take the generic form
		b, err := json.Marshal(t)
		if err != nil {
			return nil, false
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return nil, false
		}
		v = generic
	}

	for pass := 0; pass < maxDecodePasses; pass++ {
		s, isString := v.(string)
		if !isString {
			break
		}
		var next any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &next); err != nil {
			return nil, false
		}
		v = next
	}
	if _, isString := v.(string); isString {
		return nil, false
	}
	return v, v != nil
}

func fromList(items []any) []Option {
	out := make([]Option, 0, len(items))
	for i, item := range items {
		idx := strconv.Itoa(i)
		rec, ok := item.(map[string]any)
		if !ok {
			out = append(out, Option{Key: idx, Text: scalarText(item)})
			continue
		}
		opt := Option{Key: idx, Text: textOf(rec), IsCorrect: correctOf(rec)}
		if k, ok := lookup(rec, keyFields...); ok {
			opt.Key = scalarText(k)
		}
		out = append(out, opt)
	}
	return out
}

func fromRecord(rec map[string]any) []Option {
	for _, name := range wrapperFields {
		switch w := rec[name].(type) {
		case []any:
			return fromList(w)
		case string:
			if v, ok := decode(w); ok {
				if list, ok := v.([]any); ok {
					return fromList(list)
				}
			}
		}
	}

	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Option, 0, len(keys))
	for _, k := range keys {
		if nested, ok := rec[k].(map[string]any); ok {
			out = append(out, Option{Key: k, Text: textOf(nested), IsCorrect: correctOf(nested)})
			continue
		}
		out = append(out, Option{Key: k, Text: scalarText(rec[k])})
	}
	return out
}

// textOf falls back to the serialized record so no option renders blank.
func textOf(rec map[string]any) string {
	if t, ok := lookup(rec, textFields...); ok {
		return scalarText(t)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return ""
	}
	return string(b)
}

func correctOf(rec map[string]any) bool {
	v, ok := lookup(rec, correctFields...)
	return ok && truthy(v)
}

func lookup(rec map[string]any, names ...string) (any, bool) {
	for _, n := range names {
		if v, ok := rec[n]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func scalarText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		s := strings.TrimSpace(t)
		return strings.EqualFold(s, "true") || s == "1" || strings.EqualFold(s, "yes") || strings.EqualFold(s, "y")
	default:
		return false
	}
}

func rawText(payload any) string {
	switch t := payload.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.RawMessage:
		return string(t)
	case []byte:
		return string(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
