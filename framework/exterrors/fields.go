/*
Dork - agent messaging and discovery substrate.
Copyright © 2025-2026 The Dork Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package exterrors provides structured error wrapping used across the
// relay and mesh: key-value fields for logging, temporary/permanent
// classification and delivery rejection reasons.
package exterrors

type fieldsErr interface {
	Fields() map[string]any
}

type unwrapper interface {
	Unwrap() error
}

type fieldsWrap struct {
	err    error
	fields map[string]any
}

func (fw fieldsWrap) Error() string {
	return fw.err.Error()
}

func (fw fieldsWrap) Unwrap() error {
	return fw.err
}

func (fw fieldsWrap) Fields() map[string]any {
	return fw.fields
}

// Fields collects structured fields from all errors in the wrap chain.
// Fields attached to outer errors override same-named fields of inner ones.
func Fields(err error) map[string]any {
	fields := make(map[string]any, 5)

	for err != nil {
		errFields, ok := err.(fieldsErr)
		if ok {
			for k, v := range errFields.Fields() {
				if fields[k] != nil {
					continue
				}
				fields[k] = v
			}
		}

		unwrap, ok := err.(unwrapper)
		if !ok {
			break
		}
		err = unwrap.Unwrap()
	}

	return fields
}

// WithFields attaches structured fields to err. The original error value can
// be obtained using errors.Unwrap.
func WithFields(err error, fields map[string]any) error {
	return fieldsWrap{err: err, fields: fields}
}
