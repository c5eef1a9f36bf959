// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package record

import (
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
const idLength = 14

// NewID returns a new opaque 14-char alphanumeric correlation id, suitable
// for threading a single fetch through logs across Source, Parser, Filter
// and Storage.
func NewID() string {
	u := uuid.New()
	n := new(big.Int).SetBytes(u[:])
	base := big.NewInt(int64(len(idAlphabet)))

	var b strings.Builder
	mod := new(big.Int)
	for n.Sign() > 0 && b.Len() < idLength {
		n.DivMod(n, base, mod)
		b.WriteByte(idAlphabet[mod.Int64()])
	}
	for b.Len() < idLength {
		b.WriteByte(idAlphabet[0])
	}
	return b.String()
}
