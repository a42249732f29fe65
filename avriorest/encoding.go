package avriorest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"strings"
)

// EncodeQuery converts a struct with `query` tags into a URL query string,
// in field order. Nil pointer fields are skipped, and so are zero values
// of fields tagged omitempty.
func EncodeQuery(v any) string {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return ""
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return ""
	}

	var pairs []string
	vt := rv.Type()
	for i := range vt.NumField() {
		tag, ok := vt.Field(i).Tag.Lookup("query")
		if !ok || tag == "" || tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")

		fv := rv.Field(i)
		if fv.Kind() == reflect.Pointer {
			if fv.IsNil() {
				continue
			}
			fv = fv.Elem()
		}
		if !fv.CanInterface() {
			continue
		}
		if opts == "omitempty" && fv.IsZero() {
			continue
		}
		pairs = append(pairs, url.QueryEscape(name)+"="+url.QueryEscape(fmt.Sprint(fv.Interface())))
	}
	return strings.Join(pairs, "&")
}

// rewriteMessage extracts the error of a rejected rewrite from its body.
func rewriteMessage(body string) string {
	var resp ModifiedQueryResponse
	if err := json.Unmarshal([]byte(body), &resp); err == nil && resp.Error != "" {
		return resp.Error
	}
	return body
}
