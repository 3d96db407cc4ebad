// Package nonceledger records the settlement lifecycle of ERC-3009
// authorization nonces so the facilitator never submits the same
// authorization twice.
//
// # Lifecycle
//
// A (network, nonce) pair is unused while no record exists. Settlement
// writes a pending record before submitting the transaction, rewrites it as
// confirmed once the receipt succeeds, and deletes it when the transaction
// reverts or submission fails, reopening the nonce:
//
//	unused --MarkPending--> pending --MarkConfirmed--> confirmed
//	                           |
//	                           +------Release------> unused
//
// Pending records expire after 24 hours so a crash between submission and
// reconciliation cannot lock a nonce forever. Confirmed records are kept for
// 7 days, well beyond any realistic validBefore window.
//
// # Storage
//
// Records live in a kv.Store under nonce:<network>:<nonce>. The store offers
// no compare-and-swap, so two requests racing between Get and MarkPending can
// both proceed; the token contract's authorizationState is the final guard.
package nonceledger
