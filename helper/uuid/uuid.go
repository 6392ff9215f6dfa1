// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package uuid provides helper functions for generating UUIDs.
package uuid

import (
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// Generate returns a random UUID, panicking on the (practically
// impossible) failure to read entropy.
func Generate() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		panic(fmt.Errorf("failed to generate uuid: %w", err))
	}
	return id
}

// Short returns the first eight characters of a new UUID, useful for log
// friendly identifiers.
func Short() string {
	return Generate()[:8]
}
