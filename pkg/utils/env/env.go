/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package env

import (
	"os"
	"strconv"
)

// parseOr returns the parsed value of the environment variable or the default
// when the variable is unset or fails to parse.
func parseOr[T any](key string, def T, parse func(string) (T, error)) T {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	parsed, err := parse(val)
	if err != nil {
		return def
	}
	return parsed
}

// WithDefaultString returns the value of the environment variable or, if not
// present, the supplied default value.
func WithDefaultString(key string, def string) string {
	return parseOr(key, def, func(s string) (string, error) { return s, nil })
}

// WithDefaultInt returns the int value of the environment variable or, if not
// present or unparseable, the supplied default value.
func WithDefaultInt(key string, def int) int {
	return parseOr(key, def, strconv.Atoi)
}

// WithDefaultInt64 returns the int64 value of the environment variable or, if
// not present or unparseable, the supplied default value.
func WithDefaultInt64(key string, def int64) int64 {
	return parseOr(key, def, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

// WithDefaultFloat64 returns the float64 value of the environment variable
// or, if not present or unparseable, the supplied default value.
func WithDefaultFloat64(key string, def float64) float64 {
	return parseOr(key, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

// WithDefaultBool returns the boolean value of the environment variable or,
// if not present or unparseable, the supplied default value.
func WithDefaultBool(key string, def bool) bool {
	return parseOr(key, def, strconv.ParseBool)
}
