/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"encoding/json"
	"reflect"
	"strings"
)

//nolint:gochecknoglobals // reflect type lookup
var jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()

// Sanitize renders cfg as JSON with every field tagged sensitive:"true" removed,
// suitable for logging the effective configuration.
func Sanitize(cfg interface{}) ([]byte, error) {
	return json.Marshal(filterSensitive(reflect.ValueOf(cfg)))
}

func filterSensitive(v reflect.Value) interface{} {
	if !v.IsValid() {
		return nil
	}

	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}

		v = v.Elem()
	}

	if v.Kind() != reflect.Struct || v.Type().Implements(jsonMarshalerType) {
		return v.Interface()
	}

	t := v.Type()
	out := make(map[string]interface{}, t.NumField())

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || field.Tag.Get("sensitive") == "true" {
			continue
		}

		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}

		if name == "" {
			name = field.Name
		}

		out[name] = filterSensitive(v.Field(i))
	}

	return out
}
