// Package starknet is a read-only Starknet JSON-RPC client built on the
// go-ethereum rpc package, plus felt, selector and block id helpers.
package starknet
