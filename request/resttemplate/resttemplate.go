// Copyright 2012 The Gorilla Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package resttemplate substitutes named {variable} placeholders into a
// WMTS ResourceURL template. It is adapted
// from gorilla/mux's brace-template parser: that package matches an
// incoming request path against a template to extract variables; this
// package runs the substitution the other direction, filling variables
// into a template to build an outgoing tile request URL.
package resttemplate

import (
	"fmt"
	"strings"
)

// Expand replaces every {name} placeholder in tpl with values[name],
// matched case-insensitively as required for the standard placeholders
// {style}, {tilematrixset}, {tilematrix}, {tilerow}, {tilecol} and any
// {<dimensionName>}. A placeholder with no matching key is
// left untouched.
func Expand(tpl string, values map[string]string) (string, error) {
	idxs, err := braceIndices(tpl)
	if err != nil {
		return "", err
	}
	lower := make(map[string]string, len(values))
	for k, v := range values {
		lower[strings.ToLower(k)] = v
	}

	var out strings.Builder
	var end int
	for i := 0; i < len(idxs); i += 2 {
		start := idxs[i]
		stop := idxs[i+1]
		out.WriteString(tpl[end:start])
		name := strings.ToLower(tpl[start+1 : stop-1])
		if v, ok := lower[name]; ok {
			out.WriteString(v)
		} else {
			out.WriteString(tpl[start:stop])
		}
		end = stop
	}
	out.WriteString(tpl[end:])
	return out.String(), nil
}

// braceIndices returns the first-level curly-brace index pairs in s,
// erroring on unbalanced braces.
func braceIndices(s string) ([]int, error) {
	var level, idx int
	var idxs []int
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			if level++; level == 1 {
				idx = i
			}
		case '}':
			if level--; level == 0 {
				idxs = append(idxs, idx, i+1)
			} else if level < 0 {
				return nil, fmt.Errorf("resttemplate: unbalanced braces in %q", s)
			}
		}
	}
	if level != 0 {
		return nil, fmt.Errorf("resttemplate: unbalanced braces in %q", s)
	}
	return idxs, nil
}
