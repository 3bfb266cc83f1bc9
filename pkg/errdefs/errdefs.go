// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package errdefs classifies engine errors into the fixed set of kinds the
// API and the retry policy dispatch on. Wrap errors at the boundary where
// the kind is known; deeper layers keep using plain wrapped errors.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind is the classification of an engine error.
type Kind string

const (
	KindNotFound        Kind = "NotFound"
	KindBadInput        Kind = "BadInput"
	KindIOError         Kind = "IOError"
	KindCryptoError     Kind = "CryptoError"
	KindWrongPassphrase Kind = "WrongPassphrase"
	KindConfigCorrupt   Kind = "ConfigCorrupt"
	KindConflict        Kind = "Conflict"
	KindDeployError     Kind = "DeployError"
	KindSnapshotError   Kind = "SnapshotError"
	// KindUnknown is reported for errors that were never classified.
	KindUnknown Kind = "Unknown"
)

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

func withKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf returns the kind of err, walking the wrap chain. The innermost
// classification wins so that re-wrapping at an outer boundary does not
// mask the original kind.
func KindOf(err error) Kind {
	kind := KindUnknown
	for err != nil {
		var ke *kindError
		if errors.As(err, &ke) {
			kind = ke.kind
			err = ke.err
			continue
		}
		break
	}
	return kind
}

func is(err error, kind Kind) bool { return KindOf(err) == kind }

func NotFound(err error) error        { return withKind(KindNotFound, err) }
func BadInput(err error) error        { return withKind(KindBadInput, err) }
func IOError(err error) error         { return withKind(KindIOError, err) }
func CryptoError(err error) error     { return withKind(KindCryptoError, err) }
func WrongPassphrase(err error) error { return withKind(KindWrongPassphrase, err) }
func ConfigCorrupt(err error) error   { return withKind(KindConfigCorrupt, err) }
func Conflict(err error) error        { return withKind(KindConflict, err) }
func DeployError(err error) error     { return withKind(KindDeployError, err) }
func SnapshotError(err error) error   { return withKind(KindSnapshotError, err) }

func NotFoundf(format string, args ...interface{}) error {
	return NotFound(fmt.Errorf(format, args...))
}

func BadInputf(format string, args ...interface{}) error {
	return BadInput(fmt.Errorf(format, args...))
}

func Conflictf(format string, args ...interface{}) error {
	return Conflict(fmt.Errorf(format, args...))
}

func IsNotFound(err error) bool        { return is(err, KindNotFound) }
func IsBadInput(err error) bool        { return is(err, KindBadInput) }
func IsIOError(err error) bool         { return is(err, KindIOError) }
func IsCryptoError(err error) bool     { return is(err, KindCryptoError) }
func IsWrongPassphrase(err error) bool { return is(err, KindWrongPassphrase) }
func IsConfigCorrupt(err error) bool   { return is(err, KindConfigCorrupt) }
func IsConflict(err error) bool        { return is(err, KindConflict) }
func IsDeployError(err error) bool     { return is(err, KindDeployError) }
func IsSnapshotError(err error) bool   { return is(err, KindSnapshotError) }
