// Package chain holds chain definitions shared by the Starknet and EVM
// clients. Concrete clients live in the starknet and ethereum subpackages and
// are assembled by provider.Registry.
package chain
