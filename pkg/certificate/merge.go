// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package certificate

import (
	"dario.cat/mergo"
	"github.com/pkg/errors"

	"github.com/certkeeper/certkeeper/pkg/errdefs"
)

// MergeStrategy selects how an incoming partial config is folded into the
// entity's config subtree.
type MergeStrategy int

const (
	// MergeReplaceAll replaces the whole config subtree with the incoming one.
	MergeReplaceAll MergeStrategy = iota
	// MergeKeepUserFields keeps fields that are already set on the entity;
	// incoming values only fill zero-valued fields. Used when re-reading
	// persisted config so a file parse does not clobber user choices.
	MergeKeepUserFields
	// MergeOverrideSet overrides entity fields with any non-zero incoming
	// value, keeping entity values where the incoming field is unset.
	MergeOverrideSet
)

// MergeConfig folds partial into the config subtree per the given strategy.
func (c *Certificate) MergeConfig(partial Config, strategy MergeStrategy) error {
	switch strategy {
	case MergeReplaceAll:
		c.Config = partial
		return nil
	case MergeKeepUserFields:
		if err := mergo.Merge(&c.Config, partial); err != nil {
			return errdefs.BadInput(errors.Wrap(err, "while merging config"))
		}
		return nil
	case MergeOverrideSet:
		if err := mergo.Merge(&c.Config, partial, mergo.WithOverride); err != nil {
			return errdefs.BadInput(errors.Wrap(err, "while merging config"))
		}
		return nil
	default:
		return errdefs.BadInputf("unknown merge strategy %d", strategy)
	}
}
