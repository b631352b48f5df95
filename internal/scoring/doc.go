// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

// Package scoring computes per-user trust scores as a deterministic weighted
// sum over stored signals. The score starts from a baseline of 100 and is
// adjusted by account age, active risk flags, unresolved anomaly candidates,
// and a bounded daily recovery toward baseline. All mutations for a user are
// serialized through a sharded lock so concurrent recomputations cannot
// produce a lost update.
package scoring
