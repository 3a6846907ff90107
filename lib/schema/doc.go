// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines [ContentMatch], the field-predicate algebra
// used to filter agent records and events against a caller-supplied
// match expression: bare scalars shorthand equality, and $-prefixed
// operator objects ($lt, $lte, $gt, $gte, $in) express
// comparisons and set membership. There is no inequality operator;
// any other $-prefixed key is rejected as unknown.
//
// This package depends on no other package in this module.
package schema
