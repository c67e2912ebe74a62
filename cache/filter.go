/*
   Copyright The Image Order Authors.

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

package cache

type FilterFn func(*Entry) bool

type WalkFn func(*Entry) error

// WithAllFilters combines the given filters with AND logic
func WithAllFilters(filters ...FilterFn) FilterFn {
	return func(e *Entry) bool {
		for _, f := range filters {
			if !f(e) {
				return false
			}
		}
		return true
	}
}

// WithFamily returns a filter that matches entries in the given family
func WithFamily(familyID string) FilterFn {
	return func(e *Entry) bool {
		return e.FamilyID == familyID
	}
}

// WithVersion returns a filter that matches entries with the given version
func WithVersion(version string) FilterFn {
	return func(e *Entry) bool {
		return e.Version == version
	}
}

// WithProduct returns a filter that matches entries for the given product
func WithProduct(product string) FilterFn {
	return func(e *Entry) bool {
		return e.Product == product
	}
}
